// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package train orchestrates the full training step across the mesh:
// pipeline execution, gradient synchronization, the fused optimizer pump
// and loss aggregation, plus the outer training loop with its hooks.
package train

import (
	"time"

	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/gradsync"
	"github.com/meshtrain/meshtrain/mesh"
)

// Plan is the static configuration of a training run, identical on every
// rank. It is validated once before any rank starts.
type Plan struct {
	// Parallelism degrees. Their product must equal the world size.
	PipelineStages int
	TensorParallel int
	DataParallel   int

	// MicrobatchesPerStep is how many microbatches each step's batch is
	// split into for pipelining.
	MicrobatchesPerStep int

	// Optimizer hyperparameters.
	LearningRate float32
	Momentum     float32
	WeightDecay  float32

	// BucketBytes bounds gradient bucket fusion. Zero means
	// gradsync.DefaultBucketBytes.
	BucketBytes int

	// CollectiveTimeout bounds how long any rank waits at a collective.
	// Zero means comms.DefaultTimeout.
	CollectiveTimeout time.Duration
}

// WorldSize returns the number of ranks the plan requires.
func (p *Plan) WorldSize() int {
	return p.PipelineStages * p.TensorParallel * p.DataParallel
}

// Validate checks the plan's arithmetic. All failures are fatal
// configuration errors: no training proceeds on an invalid plan.
func (p *Plan) Validate() error {
	if p.PipelineStages < 1 || p.TensorParallel < 1 || p.DataParallel < 1 {
		return faults.Configurationf(
			"parallelism degrees must be positive: pipeline=%d tensor=%d data=%d",
			p.PipelineStages, p.TensorParallel, p.DataParallel)
	}
	if p.MicrobatchesPerStep < 1 {
		return faults.Configurationf("microbatches per step must be positive, got %d", p.MicrobatchesPerStep)
	}
	if p.LearningRate <= 0 {
		return faults.Configurationf("learning rate must be positive, got %g", p.LearningRate)
	}
	if p.Momentum < 0 || p.Momentum >= 1 {
		return faults.Configurationf("momentum must be in [0, 1), got %g", p.Momentum)
	}
	return nil
}

// BuildMesh validates the plan and constructs its device mesh.
func (p *Plan) BuildMesh() (*mesh.Mesh, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return mesh.Build(p.WorldSize(), p.PipelineStages, p.TensorParallel, p.DataParallel)
}

// bucketBytes resolves the effective bucket budget.
func (p *Plan) bucketBytes() int {
	if p.BucketBytes > 0 {
		return p.BucketBytes
	}
	return gradsync.DefaultBucketBytes
}

// Timeout resolves the effective collective timeout.
func (p *Plan) Timeout() time.Duration {
	if p.CollectiveTimeout > 0 {
		return p.CollectiveTimeout
	}
	return comms.DefaultTimeout
}
