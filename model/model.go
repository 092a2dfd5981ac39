// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract between the pipeline scheduler and
// the per-stage model slice it drives.
//
// A model instance represents one pipeline stage's slice of the network:
// it registers its parameters with the shard store at build time, caches
// the activations of in-flight microbatches between forward and backward,
// and accumulates full-tensor gradients across the microbatches of a step.
package model

import (
	. "github.com/gomlx/exceptions"
	"github.com/meshtrain/meshtrain/params"
)

// Microbatch is one slice of a step's batch, flowing through the pipeline
// independently. Input feeds the first stage; Target supervises the last.
type Microbatch struct {
	Index  int
	Input  []float32
	Target []float32
}

// Model is one pipeline stage's slice of the network.
//
// Forward and Backward are called by the scheduler in the order of the
// stage's schedule; the implementation must cache whatever activations
// Backward(index) needs from Forward(index), and may assume at most
// pipeline-depth microbatches are in flight.
type Model interface {
	// Forward runs the stage on one microbatch's input activations and
	// returns the output activations. On the first stage input is
	// mb.Input; on later stages it is the activations received from the
	// previous stage.
	Forward(mb *Microbatch, input []float32) ([]float32, error)

	// LossAndGrad is called on the last stage only: it computes the
	// microbatch loss from the stage output and mb.Target, and the
	// gradient of the loss with respect to the output.
	LossAndGrad(mb *Microbatch, output []float32) (loss float32, outputGrad []float32, err error)

	// Backward propagates the output gradient of one microbatch and
	// returns the gradient with respect to the stage input. Parameter
	// gradients accumulate internally across microbatches.
	Backward(mb *Microbatch, outputGrad []float32) (inputGrad []float32, err error)

	// Gradients returns the accumulated full-tensor parameter gradients
	// of the step, keyed by parameter name, in a deterministic order via
	// GradientNames.
	Gradients() map[string][]float32

	// GradientNames returns the parameter names in registration order,
	// fixing the bucket assembly order across ranks.
	GradientNames() []string

	// ZeroGrad clears the accumulated gradients and any cached
	// activations, preparing the next step.
	ZeroGrad()
}

// LayerSpec describes one parameter of a stage: its name, width and how
// it is split across the tensor-parallel group.
type LayerSpec struct {
	Name     string
	Width    int
	Strategy params.Strategy
}

// Validate panics on a malformed spec.
func (ls LayerSpec) Validate() {
	if ls.Name == "" {
		Panicf("model: layer spec with empty name")
	}
	if ls.Width <= 0 {
		Panicf("model: layer %q has non-positive width %d", ls.Name, ls.Width)
	}
}
