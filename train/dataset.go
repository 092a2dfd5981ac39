// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"

	"github.com/meshtrain/meshtrain/model"
	"github.com/pkg/errors"
)

// Dataset yields one step's worth of microbatches at a time. Each data
// replica consumes a disjoint slice of the global batch; the Dataset
// implementation is responsible for that partitioning (it knows the data
// rank it serves).
type Dataset interface {
	// Yield returns the microbatches of the next step, or io.EOF at the
	// end of an epoch.
	Yield() ([]*model.Microbatch, error)

	// Reset restarts the dataset from the beginning of an epoch.
	Reset()
}

// SliceDataset serves a fixed in-memory sequence of steps. Used by tests
// and the demo trainer.
type SliceDataset struct {
	steps [][]*model.Microbatch
	next  int
}

// NewSliceDataset wraps pre-built steps.
func NewSliceDataset(steps ...[]*model.Microbatch) *SliceDataset {
	return &SliceDataset{steps: steps}
}

// Yield implements Dataset.
func (ds *SliceDataset) Yield() ([]*model.Microbatch, error) {
	if ds.next >= len(ds.steps) {
		return nil, io.EOF
	}
	batch := ds.steps[ds.next]
	ds.next++
	return batch, nil
}

// Reset implements Dataset.
func (ds *SliceDataset) Reset() { ds.next = 0 }

// SplitBatch slices one flat batch into n pipeline microbatches of equal
// size, assigning indices in order. The batch length must divide evenly.
func SplitBatch(inputs, targets [][]float32, n int) ([]*model.Microbatch, error) {
	if len(inputs) != len(targets) {
		return nil, errors.Errorf("batch has %d inputs but %d targets", len(inputs), len(targets))
	}
	if len(inputs)%n != 0 {
		return nil, errors.Errorf("batch of %d samples does not split into %d microbatches", len(inputs), n)
	}
	per := len(inputs) / n
	mbs := make([]*model.Microbatch, n)
	for ii := range mbs {
		// One sample per microbatch row is the common case in tests; wider
		// microbatches concatenate their rows.
		var input, target []float32
		for jj := ii * per; jj < (ii+1)*per; jj++ {
			input = append(input, inputs[jj]...)
			target = append(target, targets[jj]...)
		}
		mbs[ii] = &model.Microbatch{Index: ii, Input: input, Target: target}
	}
	return mbs, nil
}
