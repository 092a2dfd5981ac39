// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package comms

import (
	"fmt"
	"sync"

	"github.com/meshtrain/meshtrain/mesh"
)

// Call is one recorded collective invocation.
type Call struct {
	Op    string
	Group string // Group label, or "peer:<rank>" for point-to-point.
	Size  int    // Number of values moved.
}

// Recorder is a Context for a world of one that records every call instead
// of performing network I/O. Group operations behave as a single-member
// group would (all-reduce is identity, all-gather returns the shard).
//
// It is used to assert ordering properties -- e.g. that the tensor-axis
// reduction of a parameter precedes its data-axis reduce-scatter.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Calls returns a copy of the recorded calls, in issue order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call{}, r.calls...)
}

// Reset discards the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Recorder) record(op, group string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Group: group, Size: size})
}

func (r *Recorder) Rank() int      { return 0 }
func (r *Recorder) WorldSize() int { return 1 }

func (r *Recorder) AllReduce(group mesh.Group, data []float32) error {
	r.record(OpAllReduce, group.Label, len(data))
	return nil
}

func (r *Recorder) ReduceScatter(group mesh.Group, data []float32, splits []int) ([]float32, error) {
	r.record(OpReduceScatter, group.Label, len(data))
	piece := make([]float32, len(data))
	copy(piece, data)
	return piece, nil
}

func (r *Recorder) AllGather(group mesh.Group, shard []float32, splits []int) ([]float32, error) {
	r.record(OpAllGather, group.Label, len(shard))
	full := make([]float32, len(shard))
	copy(full, shard)
	return full, nil
}

func (r *Recorder) Broadcast(group mesh.Group, root int, data []float32) error {
	r.record(OpBroadcast, group.Label, len(data))
	return nil
}

func (r *Recorder) Barrier(group mesh.Group) error {
	r.record(OpBarrier, group.Label, 0)
	return nil
}

func (r *Recorder) Send(peer int, data []float32) error {
	r.record(OpSend, fmt.Sprintf("peer:%d", peer), len(data))
	return nil
}

func (r *Recorder) Recv(peer int) ([]float32, error) {
	r.record(OpRecv, fmt.Sprintf("peer:%d", peer), 0)
	return nil, nil
}

var _ Context = (*Recorder)(nil)
