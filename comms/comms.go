// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package comms defines the collective-communication capability the
// training orchestration is built on.
//
// The ambient process-group state usual in collective libraries is modeled
// instead as an explicit Context value passed into every component that
// issues a collective. This keeps call sites visible -- the primary
// resource-safety invariant is that every rank of a group reaches every
// collective, in the same order, on every step, including during error
// unwinding -- and makes testing possible with a Recorder that logs calls
// instead of performing I/O.
//
// Two implementations ship with the module:
//
//   - World/its per-rank contexts: an in-process, channel-based transport
//     where each rank runs on its own goroutine. Used by tests and by the
//     single-binary demo launcher. Blocking semantics match the
//     production model (suspension exactly at collective calls).
//   - Recorder: a world-of-one mock that records calls.
//
// A networked transport (the production path, one OS process per mesh
// coordinate) plugs in behind the same interface; its wire format is out
// of scope here.
package comms

import (
	"time"

	"github.com/meshtrain/meshtrain/mesh"
)

// Collective operation names, used in diagnostics and by the Recorder.
const (
	OpAllReduce     = "all-reduce"
	OpReduceScatter = "reduce-scatter"
	OpAllGather     = "all-gather"
	OpBroadcast     = "broadcast"
	OpBarrier       = "barrier"
	OpSend          = "send"
	OpRecv          = "recv"
)

// DefaultTimeout bounds every collective call. A timeout is fatal for the
// whole process group: there is no partial-group recovery.
const DefaultTimeout = 30 * time.Second

// Context issues collectives on behalf of one rank.
//
// All calls block until every rank of the group has arrived (or the
// timeout fires). Errors returned are from the faults taxonomy:
// CollectiveTimeout and PeerFailure are fatal for the run.
type Context interface {
	// Rank returns this process's global rank.
	Rank() int

	// WorldSize returns the total number of processes.
	WorldSize() int

	// AllReduce sums data elementwise across the group, leaving the full
	// result in data on every member.
	AllReduce(group mesh.Group, data []float32) error

	// ReduceScatter sums data elementwise across the group and returns
	// only this rank's piece, as delimited by splits (per-member lengths
	// in group order; they must sum to len(data)).
	ReduceScatter(group mesh.Group, data []float32, splits []int) ([]float32, error)

	// AllGather concatenates each member's shard in group order and
	// returns the full vector. splits give the per-member shard lengths.
	AllGather(group mesh.Group, shard []float32, splits []int) ([]float32, error)

	// Broadcast copies root's data to every member's data buffer.
	// root is a group index, not a global rank.
	Broadcast(group mesh.Group, root int, data []float32) error

	// Send transfers data to the given global rank (pipeline-adjacent
	// point-to-point). Transfer order matches issue order.
	Send(peer int, data []float32) error

	// Recv receives the next transfer from the given global rank.
	Recv(peer int) ([]float32, error)

	// Barrier blocks until every member of the group arrives.
	Barrier(group mesh.Group) error
}
