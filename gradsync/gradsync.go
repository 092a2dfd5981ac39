// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package gradsync performs the collective reductions required by the
// active parallelism combination, at the earliest point the data is ready.
//
// Two independent reduction axes compose, never reorder:
//
//  1. Tensor-parallel axis: all-reduce (sum) the partial gradients of
//     column/row-split layers -- each tensor rank computed a contribution
//     for the same logical parameter. Fused per bucket into a single
//     collective call over a concatenated buffer.
//  2. Data-parallel axis: reduce-scatter, so each data rank ends up owning
//     only the reduced gradient for the shard it stores. The full reduced
//     gradient is never materialized on every rank.
//
// Parameters tied across the pipeline boundary are additionally summed
// over the boundary pair between the two axes.
//
// A collective timeout is fatal for the whole process group; the
// orchestrator treats it as an unrecoverable step failure.
package gradsync

import (
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBucketBytes bounds how many gradient bytes are fused into one
// tensor-axis collective call.
const DefaultBucketBytes = 4 << 20

// Synchronizer reduces gradients over the mesh groups of one rank.
type Synchronizer struct {
	comm  comms.Context
	store *params.Store

	tensorGroup   mesh.Group
	dataGroup     mesh.Group
	boundaryGroup mesh.Group
	onBoundary    bool
}

// New creates the synchronizer for the rank behind comm.
func New(m *mesh.Mesh, comm comms.Context, store *params.Store) *Synchronizer {
	rank := comm.Rank()
	coord := m.Coordinate(rank)
	return &Synchronizer{
		comm:          comm,
		store:         store,
		tensorGroup:   m.TensorGroup(rank),
		dataGroup:     m.DataGroup(rank),
		boundaryGroup: m.BoundaryGroup(rank),
		onBoundary:    coord.Stage == 0 || coord.Stage == m.Stages()-1,
	}
}

// Step tracks one backward pass: which shard went into which bucket.
// Every trainable shard must appear in exactly one bucket per step.
type Step struct {
	sync       *Synchronizer
	rank       int
	membership map[string]int
}

// NewStep starts the bucket bookkeeping for one backward pass.
func (s *Synchronizer) NewStep() *Step {
	return &Step{
		sync:       s,
		rank:       s.comm.Rank(),
		membership: make(map[string]int),
	}
}

// entry pairs a shard with the full-tensor gradient produced for it this
// step.
type entry struct {
	shard    *params.Shard
	fullGrad []float32
}

// Bucket is a transient aggregation unit: the set of shards whose
// tensor-axis gradients are reduced together in one collective call.
// Created per backward pass, released after the update consuming it.
type Bucket struct {
	step    *Step
	entries []entry
	bytes   int
}

// Bucket opens a new (empty) bucket in this step.
func (st *Step) Bucket() *Bucket {
	return &Bucket{step: st}
}

// Add registers the full-tensor gradient of a parameter into the bucket.
// A parameter appearing in more than one bucket in a step is a
// configuration bug, surfaced as ShardMismatch rather than tolerated.
func (b *Bucket) Add(name string, fullGradient []float32) error {
	sh := b.step.sync.store.Get(name)
	if len(fullGradient) != sh.FullLength() {
		return faults.Configurationf("gradient for %q has %d values, parameter has %d",
			name, len(fullGradient), sh.FullLength())
	}
	b.step.membership[name]++
	if b.step.membership[name] > 1 {
		return faults.ShardMismatchf(b.step.rank, "parameter %q assigned to %d buckets in one step",
			name, b.step.membership[name])
	}
	b.entries = append(b.entries, entry{shard: sh, fullGrad: fullGradient})
	b.bytes += len(fullGradient) * 4
	return nil
}

// Full reports whether the bucket reached the byte budget.
func (b *Bucket) Full(budget int) bool { return b.bytes >= budget }

// Len returns the number of parameters in the bucket.
func (b *Bucket) Len() int { return len(b.entries) }

// Reduce runs both reduction axes for the bucket and returns the
// shard-local reduced gradient per parameter. After Reduce returns the
// bucket must not be reused; its gradient buffers are dead.
//
// For every parameter the tensor-axis reduction completes before its
// data-axis reduce-scatter begins.
func (b *Bucket) Reduce() (map[string][]float32, error) {
	s := b.step.sync

	// Tensor axis first: one fused all-reduce over the concatenated
	// partial gradients of all split layers in the bucket.
	if err := b.reduceTensorAxis(); err != nil {
		return nil, err
	}

	// Tied boundary parameters: sum over the first/last stage pair.
	for _, e := range b.entries {
		if e.shard.Strategy() != params.PipelineBoundary || !s.onBoundary || s.boundaryGroup.Size() < 2 {
			continue
		}
		if err := s.comm.AllReduce(s.boundaryGroup, e.fullGrad); err != nil {
			return nil, errors.WithMessagef(err, "boundary reduction of %q", e.shard.Name())
		}
	}

	// Data axis second: reduce-scatter each parameter down to the owned
	// shard (all-reduce for replicated parameters).
	reduced := make(map[string][]float32, len(b.entries))
	for _, e := range b.entries {
		name := e.shard.Name()
		if e.shard.DataReplicated() {
			if err := s.comm.AllReduce(s.dataGroup, e.fullGrad); err != nil {
				return nil, errors.WithMessagef(err, "data-axis reduction of %q", name)
			}
			reduced[name] = e.fullGrad
			continue
		}
		piece, err := s.comm.ReduceScatter(s.dataGroup, e.fullGrad, s.store.Splits(name))
		if err != nil {
			return nil, errors.WithMessagef(err, "data-axis reduction of %q", name)
		}
		reduced[name] = piece
	}
	klog.V(2).Infof("gradsync: reduced bucket of %d parameter(s), %d bytes", len(b.entries), b.bytes)
	return reduced, nil
}

// reduceTensorAxis fuses the tensor-split entries of the bucket into one
// all-reduce, then copies the summed values back into each entry's buffer.
func (b *Bucket) reduceTensorAxis() error {
	s := b.step.sync
	if s.tensorGroup.Size() < 2 {
		return nil
	}
	var split []entry
	total := 0
	for _, e := range b.entries {
		switch e.shard.Strategy() {
		case params.TensorSplitColumn, params.TensorSplitRow:
			split = append(split, e)
			total += len(e.fullGrad)
		}
	}
	if len(split) == 0 {
		return nil
	}
	fused := make([]float32, 0, total)
	for _, e := range split {
		fused = append(fused, e.fullGrad...)
	}
	if err := s.comm.AllReduce(s.tensorGroup, fused); err != nil {
		return errors.WithMessage(err, "tensor-axis reduction")
	}
	offset := 0
	for _, e := range split {
		copy(e.fullGrad, fused[offset:offset+len(e.fullGrad)])
		offset += len(e.fullGrad)
	}
	return nil
}

// Finish verifies that every trainable shard was assigned to exactly one
// bucket this step. A shard left out of all buckets indicates a scheduling
// or partitioning bug and is fatal.
func (st *Step) Finish() error {
	var missing []string
	st.sync.store.Enumerate(func(sh *params.Shard) {
		if st.membership[sh.Name()] == 0 {
			missing = append(missing, sh.Name())
		}
	})
	if len(missing) > 0 {
		return faults.ShardMismatchf(st.rank, "parameters %v appeared in no gradient bucket this step", missing)
	}
	return nil
}

// DataGroup exposes the data-parallel group (used by the optimizer pump to
// broadcast replicated updates).
func (s *Synchronizer) DataGroup() mesh.Group { return s.dataGroup }
