// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	. "github.com/gomlx/exceptions"
	"github.com/meshtrain/meshtrain/params"
	"github.com/pkg/errors"
)

// Stack is a small deterministic model slice used by tests and the demo
// trainer: a sequence of elementwise scale layers, y = w ⊙ x, all of the
// same width. It registers one sharded parameter per layer, caches layer
// inputs per in-flight microbatch and accumulates full-tensor gradients
// across the microbatches of a step.
//
// The last stage trains against a squared error: loss = ½·Σ(y−target)²,
// so the output gradient is simply y−target.
type Stack struct {
	store *params.Store
	width int

	names  []string
	shards map[string]*params.Shard

	grads map[string][]float32

	// cache holds, per in-flight microbatch, the input of each layer
	// (needed to form the weight gradients on the way back).
	cache map[int][][]float32
}

// NewStack registers the stage's layers with the store and returns the
// stage model. All layers must share the stack width.
func NewStack(store *params.Store, width int, layers []LayerSpec, init func(layer, ii int) float32) *Stack {
	if len(layers) == 0 {
		Panicf("model: stack with no layers")
	}
	s := &Stack{
		store:  store,
		width:  width,
		shards: make(map[string]*params.Shard),
		grads:  make(map[string][]float32),
		cache:  make(map[int][][]float32),
	}
	for li, ls := range layers {
		ls.Validate()
		if ls.Width != width {
			Panicf("model: layer %q width %d != stack width %d", ls.Name, ls.Width, width)
		}
		full := make([]float32, width)
		for ii := range full {
			full[ii] = init(li, ii)
		}
		s.names = append(s.names, ls.Name)
		s.shards[ls.Name] = store.Shard(ls.Name, ls.Strategy, full)
	}
	return s
}

// Forward implements Model.
func (s *Stack) Forward(mb *Microbatch, input []float32) ([]float32, error) {
	if len(input) != s.width {
		return nil, errors.Errorf("stack: microbatch %d input has %d values, stack width is %d",
			mb.Index, len(input), s.width)
	}
	if _, inFlight := s.cache[mb.Index]; inFlight {
		Panicf("model: forward of microbatch %d while already in flight", mb.Index)
	}
	inputs := make([][]float32, 0, len(s.names))
	x := input
	for _, name := range s.names {
		inputs = append(inputs, x)
		w, release, err := s.store.Materialize(name)
		if err != nil {
			return nil, err
		}
		y := make([]float32, s.width)
		for ii := range y {
			y[ii] = w.Flat()[ii] * x[ii]
		}
		release()
		x = y
	}
	s.cache[mb.Index] = inputs
	return x, nil
}

// LossAndGrad implements Model.
func (s *Stack) LossAndGrad(mb *Microbatch, output []float32) (float32, []float32, error) {
	if len(mb.Target) != len(output) {
		return 0, nil, errors.Errorf("stack: microbatch %d target has %d values, output has %d",
			mb.Index, len(mb.Target), len(output))
	}
	var loss float32
	grad := make([]float32, len(output))
	for ii, y := range output {
		d := y - mb.Target[ii]
		loss += 0.5 * d * d
		grad[ii] = d
	}
	return loss, grad, nil
}

// Backward implements Model.
func (s *Stack) Backward(mb *Microbatch, outputGrad []float32) ([]float32, error) {
	inputs, inFlight := s.cache[mb.Index]
	if !inFlight {
		Panicf("model: backward of microbatch %d without a pending forward", mb.Index)
	}
	delete(s.cache, mb.Index)

	g := outputGrad
	for li := len(s.names) - 1; li >= 0; li-- {
		name := s.names[li]
		w, release, err := s.store.Materialize(name)
		if err != nil {
			return nil, err
		}
		wGrad := s.grads[name]
		if wGrad == nil {
			wGrad = make([]float32, s.width)
			s.grads[name] = wGrad
		}
		next := make([]float32, s.width)
		for ii := range next {
			wGrad[ii] += inputs[li][ii] * g[ii]
			next[ii] = w.Flat()[ii] * g[ii]
		}
		release()
		g = next
	}
	return g, nil
}

// Gradients implements Model.
func (s *Stack) Gradients() map[string][]float32 { return s.grads }

// GradientNames implements Model.
func (s *Stack) GradientNames() []string { return s.names }

// ZeroGrad implements Model.
func (s *Stack) ZeroGrad() {
	s.grads = make(map[string][]float32)
	s.cache = make(map[int][][]float32)
}

// InFlight returns the number of microbatches forwarded but not yet
// propagated back. The scheduler keeps it bounded by the pipeline depth.
func (s *Stack) InFlight() int { return len(s.cache) }

var _ Model = (*Stack)(nil)
