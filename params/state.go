// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package params

// OptimizerState holds the optimizer accumulators colocated with a shard.
// It shares the shard's ownership and lifecycle: created at model build
// (lazily, on first optimizer step), mutated in place on the owning rank,
// destroyed at process teardown.
type OptimizerState struct {
	// Momentum is the velocity buffer of SGD+momentum, shard-aligned.
	// Empty until the momentum optimizer first touches the shard.
	Momentum []float32
}

// EnsureMomentum allocates the momentum buffer for the given shard length
// if not yet present, and returns it.
func (st *OptimizerState) EnsureMomentum(length int) []float32 {
	if st.Momentum == nil {
		st.Momentum = make([]float32, length)
	}
	return st.Momentum
}
