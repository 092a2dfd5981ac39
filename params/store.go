// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package params owns the partitioning of parameters, gradients and
// optimizer state across the data-parallel group (ZeRO-style).
//
// Each trainable parameter is split contiguously into dataDegree
// near-equal pieces; the remainder goes to the last rank. Parameters with
// fewer elements than the data-parallel degree are replicated instead of
// partitioned: every data rank holds the full value, the data-axis
// reduction degenerates to an all-reduce, and every rank applies the same
// update to its replica -- the reduced gradient is identical everywhere,
// so replicas stay bit-identical. Both policies are deterministic.
//
// A shard is mutated only by the optimizer on the rank that owns it.
// Reads of the full parameter (Materialize) are scoped: the caller must
// release them so peak memory returns to the shard-only footprint before
// the next synchronization phase.
package params

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Strategy tags how a parameter's layer is parallelized. It decides which
// reduction axes the parameter's gradient needs.
type Strategy int

const (
	// Replicated layers hold the same full weight on every tensor rank;
	// their gradients only need the data-axis reduction.
	Replicated Strategy = iota

	// TensorSplitColumn layers split the weight matrix by output columns
	// across the tensor-parallel group. Each tensor rank computes a
	// gradient contribution for the same logical parameter, so the
	// tensor-axis all-reduce must run before the data-axis reduction.
	TensorSplitColumn

	// TensorSplitRow is the row-split counterpart of TensorSplitColumn.
	TensorSplitRow

	// PipelineBoundary parameters are tied across the first and last
	// pipeline stages (e.g. embedding and head); their gradients are
	// additionally summed over the boundary pair.
	PipelineBoundary
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Replicated:
		return "replicated"
	case TensorSplitColumn:
		return "tensor-split-column"
	case TensorSplitRow:
		return "tensor-split-row"
	case PipelineBoundary:
		return "pipeline-boundary"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Shard is the slice of one logical parameter owned by this data rank,
// plus the optimizer state colocated with it.
type Shard struct {
	name       string
	strategy   Strategy
	offset     int // Offset of the shard within the logical full tensor.
	length     int
	fullLength int

	// dataReplicated marks parameters too small to partition: every data
	// rank holds the full value.
	dataReplicated bool

	values []float32
	state  *OptimizerState
}

// Name returns the parameter identifier (owning module + name).
func (sh *Shard) Name() string { return sh.name }

// Strategy returns the layer-parallelism tag of the parameter.
func (sh *Shard) Strategy() Strategy { return sh.strategy }

// Offset of the shard within the logical full tensor.
func (sh *Shard) Offset() int { return sh.offset }

// Length of the shard.
func (sh *Shard) Length() int { return sh.length }

// FullLength of the logical parameter.
func (sh *Shard) FullLength() int { return sh.fullLength }

// DataReplicated reports whether the parameter is replicated rather than
// partitioned across the data-parallel group.
func (sh *Shard) DataReplicated() bool { return sh.dataReplicated }

// Values returns the shard-local storage. Only the inplace optimizer on
// the owning rank may write it.
func (sh *Shard) Values() []float32 { return sh.values }

// State returns the optimizer state colocated with the shard, creating it
// empty on first use.
func (sh *Shard) State() *OptimizerState {
	if sh.state == nil {
		sh.state = &OptimizerState{}
	}
	return sh.state
}

// LoadFrom overwrites the shard values from a full-tensor snapshot,
// slicing out this rank's piece. Used by checkpoint restore.
func (sh *Shard) LoadFrom(full []float32) error {
	if len(full) != sh.fullLength {
		return faults.ShardMismatchf(-1, "snapshot of %q has %d values, parameter has %d",
			sh.name, len(full), sh.fullLength)
	}
	if sh.dataReplicated {
		copy(sh.values, full)
		return nil
	}
	copy(sh.values, full[sh.offset:sh.offset+sh.length])
	return nil
}

// String implements fmt.Stringer.
func (sh *Shard) String() string {
	if sh.dataReplicated {
		return fmt.Sprintf("%s[replicated %d]", sh.name, sh.fullLength)
	}
	return fmt.Sprintf("%s[%d:%d of %d]", sh.name, sh.offset, sh.offset+sh.length, sh.fullLength)
}

// Store owns this rank's shards of every trainable parameter.
type Store struct {
	comm       comms.Context
	dataGroup  mesh.Group
	dataIndex  int
	dataDegree int

	names  []string // Registration order.
	shards map[string]*Shard

	// outstanding counts live materializations; it must return to zero
	// before the next synchronization phase.
	outstanding atomic.Int64
}

// NewStore creates the shard store for the rank behind comm.
func NewStore(m *mesh.Mesh, comm comms.Context) *Store {
	group := m.DataGroup(comm.Rank())
	return &Store{
		comm:       comm,
		dataGroup:  group,
		dataIndex:  group.Index(comm.Rank()),
		dataDegree: m.DataDegree(),
		shards:     make(map[string]*Shard),
	}
}

// DataGroup returns the data-parallel group the store partitions over.
func (s *Store) DataGroup() mesh.Group { return s.dataGroup }

// Shard partitions a parameter and registers this rank's piece. Called
// once per parameter at model-build time; registering the same name twice
// panics.
func (s *Store) Shard(name string, strategy Strategy, full []float32) *Shard {
	if _, dup := s.shards[name]; dup {
		Panicf("params: parameter %q sharded twice", name)
	}
	n := len(full)
	if n == 0 {
		Panicf("params: parameter %q is empty", name)
	}
	sh := &Shard{
		name:       name,
		strategy:   strategy,
		fullLength: n,
	}
	if n < s.dataDegree {
		// Too small to partition: replicate (documented policy).
		sh.dataReplicated = true
		sh.offset = 0
		sh.length = n
		sh.values = append([]float32{}, full...)
	} else {
		splits := s.splitsFor(n)
		offset := 0
		for ii := 0; ii < s.dataIndex; ii++ {
			offset += splits[ii]
		}
		sh.offset = offset
		sh.length = splits[s.dataIndex]
		sh.values = append([]float32{}, full[offset:offset+sh.length]...)
	}
	s.names = append(s.names, name)
	s.shards[name] = sh
	klog.V(2).Infof("params: %s strategy=%s local=%s", sh, strategy,
		humanize.Bytes(uint64(sh.length)*4))
	return sh
}

// Get returns the shard of a registered parameter, or panics if unknown.
func (s *Store) Get(name string) *Shard {
	sh, found := s.shards[name]
	if !found {
		Panicf("params: unknown parameter %q", name)
	}
	return sh
}

// Has reports whether the parameter is registered.
func (s *Store) Has(name string) bool {
	_, found := s.shards[name]
	return found
}

// NumShards returns the number of registered parameters.
func (s *Store) NumShards() int { return len(s.names) }

// Enumerate calls fn for every shard in registration order.
func (s *Store) Enumerate(fn func(sh *Shard)) {
	for _, name := range s.names {
		fn(s.shards[name])
	}
}

// Splits returns the per-data-rank shard lengths of a parameter, in data
// group order. For replicated parameters it returns nil.
func (s *Store) Splits(name string) []int {
	sh := s.Get(name)
	if sh.dataReplicated {
		return nil
	}
	return s.splitsFor(sh.fullLength)
}

// splitsFor computes the contiguous near-equal split of n elements:
// base size for every rank, remainder on the last.
func (s *Store) splitsFor(n int) []int {
	base := n / s.dataDegree
	splits := make([]int, s.dataDegree)
	for ii := range splits {
		splits[ii] = base
	}
	splits[s.dataDegree-1] += n % s.dataDegree
	return splits
}

// Materialize all-gathers the shards of a parameter into a full tensor for
// forward/backward use. The caller must call release exactly once after
// use; releasing twice panics. Peak memory returns to the shard-only
// footprint once released.
func (s *Store) Materialize(name string) (full *tensors.Tensor, release func(), err error) {
	sh := s.Get(name)
	s.outstanding.Add(1)
	released := false
	release = func() {
		if released {
			Panicf("params: parameter %q released twice", name)
		}
		released = true
		s.outstanding.Add(-1)
	}

	if sh.dataReplicated {
		full = tensors.FromFlatDataAndDimensions(append([]float32{}, sh.values...), sh.fullLength)
		return full, release, nil
	}
	gathered, err := s.comm.AllGather(s.dataGroup, sh.values, s.splitsFor(sh.fullLength))
	if err != nil {
		release()
		return nil, nil, errors.WithMessagef(err, "materializing %q", name)
	}
	return tensors.FromFlatDataAndDimensions(gathered, sh.fullLength), release, nil
}

// AssertAllReleased panics if any materialized parameter has not been
// released. The orchestrator calls it before each synchronization phase to
// keep peak memory bounded.
func (s *Store) AssertAllReleased() {
	if n := s.outstanding.Load(); n != 0 {
		Panicf("params: %d materialized parameter(s) not released before synchronization", n)
	}
}

// ScatterUpdate slices a full-tensor gradient down to the piece owned by
// this rank. Used when a layer's gradient arrives as a full tensor and
// must become shard-local before the data-axis reduction and the
// optimizer act.
func (s *Store) ScatterUpdate(name string, fullGradient []float32) ([]float32, error) {
	sh := s.Get(name)
	if len(fullGradient) != sh.fullLength {
		return nil, faults.Configurationf(
			"gradient for %q has %d values, parameter has %d", name, len(fullGradient), sh.fullLength)
	}
	if sh.dataReplicated {
		return fullGradient, nil
	}
	return fullGradient[sh.offset : sh.offset+sh.length], nil
}

// FootprintReport returns a human-readable accounting of the local memory
// footprint: shard storage, optimizer state, and what the unsharded model
// would have cost.
func (s *Store) FootprintReport() string {
	var localBytes, fullBytes, stateBytes uint64
	for _, name := range s.names {
		sh := s.shards[name]
		localBytes += uint64(sh.length) * 4
		fullBytes += uint64(sh.fullLength) * 4
		if sh.state != nil {
			stateBytes += uint64(len(sh.state.Momentum)) * 4
		}
	}
	return fmt.Sprintf("%d parameters: %s local shards + %s optimizer state (full model %s, %d-way data split)",
		len(s.names), humanize.Bytes(localBytes), humanize.Bytes(stateBytes),
		humanize.Bytes(fullBytes), s.dataDegree)
}
