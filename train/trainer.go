// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"sync/atomic"
	"time"

	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/gradsync"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/model"
	"github.com/meshtrain/meshtrain/optimizers"
	"github.com/meshtrain/meshtrain/params"
	"github.com/meshtrain/meshtrain/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepMetrics summarizes one completed training step on this rank.
type StepMetrics struct {
	GlobalStep int

	// Loss is the mean microbatch loss across the whole mesh.
	Loss float32

	// UpdatedShards counts shards whose optimizer update applied.
	UpdatedShards int

	// SkippedShards names shards whose update was dropped for a
	// non-finite gradient. Non-empty flags the step.
	SkippedShards []string

	Duration time.Duration
}

// metricsBuffer bounds the published-metrics channel; a slow consumer
// drops steps rather than stalling training.
const metricsBuffer = 128

// Trainer runs complete training steps for one rank: pipeline execution,
// the two-axis gradient reduction, the fused optimizer pump and loss
// aggregation, in the fixed phase order every rank follows.
type Trainer struct {
	plan  Plan
	comm  comms.Context
	store *params.Store
	mdl   model.Model

	sched *pipeline.Scheduler
	gsync *gradsync.Synchronizer
	pump  *optimizers.Pump

	pipelineGroup mesh.Group
	dataGroup     mesh.Group
	dataDegree    int

	globalStep     int
	metrics        chan StepMetrics
	droppedMetrics atomic.Int64
}

// NewTrainer wires the per-rank training pipeline together. The model
// must already have registered its parameters with the store.
func NewTrainer(plan Plan, m *mesh.Mesh, comm comms.Context, store *params.Store,
	mdl model.Model, opt optimizers.Interface) (*Trainer, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	rank := comm.Rank()
	return &Trainer{
		plan:          plan,
		comm:          comm,
		store:         store,
		mdl:           mdl,
		sched:         pipeline.New(m, comm),
		gsync:         gradsync.New(m, comm, store),
		pump:          optimizers.NewPump(opt, rank),
		pipelineGroup: m.PipelineGroup(rank),
		dataGroup:     m.DataGroup(rank),
		dataDegree:    m.DataDegree(),
		metrics:       make(chan StepMetrics, metricsBuffer),
	}, nil
}

// GlobalStep returns the number of completed training steps.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Store returns the shard store the trainer updates.
func (t *Trainer) Store() *params.Store { return t.store }

// Metrics returns the channel of per-step metrics. Publication never
// blocks training: steps are dropped when the consumer lags.
func (t *Trainer) Metrics() <-chan StepMetrics { return t.metrics }

// TrainStep runs one complete training step over the given microbatches
// and returns its metrics. Phases run in the same order on every rank;
// any returned error other than the per-shard non-finite skips (which are
// only reported in the metrics) is fatal for the run.
func (t *Trainer) TrainStep(microbatches []*model.Microbatch) (StepMetrics, error) {
	start := time.Now()
	if len(microbatches) != t.plan.MicrobatchesPerStep {
		return StepMetrics{}, errors.Errorf("step got %d microbatches, plan says %d",
			len(microbatches), t.plan.MicrobatchesPerStep)
	}
	t.store.AssertAllReleased()
	t.mdl.ZeroGrad()

	// Phase 1: pipeline forward/backward over all microbatches.
	localLoss, err := t.sched.RunStep(t.mdl, microbatches)
	if err != nil {
		return StepMetrics{}, errors.WithMessage(err, "pipeline")
	}

	// Phases 2+3, overlapped: reduce gradient buckets and pump the
	// resulting shard updates into the optimizer as each bucket lands.
	report, err := t.reduceAndUpdate()
	if err != nil {
		return StepMetrics{}, err
	}

	// Phase 4: aggregate the loss so every rank reports the same value.
	loss, err := t.aggregateLoss(localLoss, len(microbatches))
	if err != nil {
		return StepMetrics{}, err
	}

	t.globalStep++
	metrics := StepMetrics{
		GlobalStep:    t.globalStep,
		Loss:          loss,
		UpdatedShards: report.Updated,
		SkippedShards: report.Skipped,
		Duration:      time.Since(start),
	}
	t.publish(metrics)
	if len(report.Skipped) > 0 {
		klog.Warningf("train: step %d skipped %d shard update(s) on non-finite gradients: %v",
			t.globalStep, len(report.Skipped), report.Skipped)
	}
	return metrics, nil
}

// reduceAndUpdate assembles gradient buckets in registration order,
// reduces each as soon as it fills, and feeds the shard-local results to
// the optimizer pump.
func (t *Trainer) reduceAndUpdate() (optimizers.Report, error) {
	grads := t.mdl.Gradients()
	step := t.gsync.NewStep()
	t.pump.BeginStep()

	bucket := step.Bucket()
	flush := func() error {
		if bucket.Len() == 0 {
			return nil
		}
		reduced, err := bucket.Reduce()
		if err != nil {
			return errors.WithMessage(err, "gradient reduction")
		}
		for name, piece := range reduced {
			if err := t.pump.GradientReady(t.store.Get(name), piece); err != nil {
				return err
			}
		}
		bucket = step.Bucket()
		return nil
	}

	for _, name := range t.mdl.GradientNames() {
		grad, found := grads[name]
		if !found {
			continue // Surfaces in step.Finish below.
		}
		if err := bucket.Add(name, grad); err != nil {
			t.abandonPump()
			return optimizers.Report{}, err
		}
		if bucket.Full(t.plan.bucketBytes()) {
			if err := flush(); err != nil {
				t.abandonPump()
				return optimizers.Report{}, err
			}
		}
	}
	if err := flush(); err != nil {
		t.abandonPump()
		return optimizers.Report{}, err
	}
	if err := step.Finish(); err != nil {
		t.abandonPump()
		return optimizers.Report{}, err
	}
	return t.pump.Finish()
}

// abandonPump drains the pump after a failed reduction so its consumer
// goroutine does not leak; the step is already lost.
func (t *Trainer) abandonPump() {
	_, _ = t.pump.Finish()
}

// aggregateLoss combines the last stage's summed loss across the pipeline
// group (upstream stages contribute zero) and averages over the data
// replicas, yielding the global mean microbatch loss.
func (t *Trainer) aggregateLoss(localLoss float32, microbatches int) (float32, error) {
	buf := []float32{localLoss}
	if t.pipelineGroup.Size() > 1 {
		if err := t.comm.AllReduce(t.pipelineGroup, buf); err != nil {
			return 0, errors.WithMessage(err, "loss aggregation (pipeline)")
		}
	}
	if t.dataGroup.Size() > 1 {
		if err := t.comm.AllReduce(t.dataGroup, buf); err != nil {
			return 0, errors.WithMessage(err, "loss aggregation (data)")
		}
	}
	return buf[0] / float32(microbatches*t.dataDegree), nil
}

// EvalStep runs forward-only over the microbatches and returns the global
// mean loss. No gradients accumulate and no parameters change.
func (t *Trainer) EvalStep(microbatches []*model.Microbatch) (float32, error) {
	t.store.AssertAllReleased()
	var localLoss float32
	for _, mb := range microbatches {
		loss, err := t.evalForward(mb)
		if err != nil {
			t.mdl.ZeroGrad()
			return 0, err
		}
		localLoss += loss
	}
	// Forward-only leaves cached activations behind; drop them.
	t.mdl.ZeroGrad()
	return t.aggregateLoss(localLoss, len(microbatches))
}

// evalForward moves one microbatch through this rank's stage without a
// matching backward.
func (t *Trainer) evalForward(mb *model.Microbatch) (float32, error) {
	input := mb.Input
	if stage := t.sched.Stage(); stage > 0 {
		received, err := t.comm.Recv(t.pipelineGroup.Ranks[stage-1])
		if err != nil {
			return 0, err
		}
		input = received
	}
	output, err := t.mdl.Forward(mb, input)
	if err != nil {
		return 0, err
	}
	if t.sched.Stage() < t.plan.PipelineStages-1 {
		next := t.pipelineGroup.Ranks[t.sched.Stage()+1]
		return 0, t.comm.Send(next, output)
	}
	loss, _, err := t.mdl.LossAndGrad(mb, output)
	return loss, err
}

// publish sends metrics without ever blocking the step; drops are
// counted, not waited out.
func (t *Trainer) publish(m StepMetrics) {
	select {
	case t.metrics <- m:
	default:
		t.droppedMetrics.Add(1)
	}
}

// DroppedMetrics returns how many step metrics were dropped because the
// consumer lagged.
func (t *Trainer) DroppedMetrics() int64 { return t.droppedMetrics.Load() }
