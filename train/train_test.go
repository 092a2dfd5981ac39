// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/model"
	"github.com/meshtrain/meshtrain/optimizers"
	"github.com/meshtrain/meshtrain/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTrainer assembles a single-rank trainer over a width-2 stack with
// one ×2 scale layer.
func buildTrainer(t *testing.T, plan Plan) (*Trainer, *params.Store) {
	t.Helper()
	m := must.M1(plan.BuildMesh())
	w := comms.NewWorld(1, time.Second)
	store := params.NewStore(m, w.Context(0))
	stack := model.NewStack(store, 2, []model.LayerSpec{
		{Name: "scale", Width: 2, Strategy: params.Replicated},
	}, func(layer, ii int) float32 { return 2.0 })
	opt := optimizers.Sgd().LearningRate(plan.LearningRate).Done()
	trainer, err := NewTrainer(plan, m, w.Context(0), store, stack, opt)
	require.NoError(t, err)
	return trainer, store
}

func singleRankPlan(microbatches int) Plan {
	return Plan{
		PipelineStages: 1, TensorParallel: 1, DataParallel: 1,
		MicrobatchesPerStep: microbatches,
		LearningRate:        0.01,
	}
}

func TestPlanValidate(t *testing.T) {
	plan := singleRankPlan(1)
	require.NoError(t, plan.Validate())
	require.Equal(t, 1, plan.WorldSize())

	bad := plan
	bad.DataParallel = 0
	err := bad.Validate()
	require.Error(t, err)
	require.Equal(t, faults.KindConfiguration, faults.KindOf(err))

	bad = plan
	bad.Momentum = 1.0
	require.Error(t, bad.Validate())

	bad = plan
	bad.LearningRate = 0
	require.Error(t, bad.Validate())
}

func TestTrainStepSingleRank(t *testing.T) {
	trainer, store := buildTrainer(t, singleRankPlan(2))
	batch := []*model.Microbatch{
		{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
		{Index: 1, Input: []float32{2, 2}, Target: []float32{0, 0}},
	}

	metrics, err := trainer.TrainStep(batch)
	require.NoError(t, err)
	// Loss: mb0 ½·(4+4)=4, mb1 ½·(16+16)=16; mean over 2 microbatches.
	assert.InDelta(t, 10.0, metrics.Loss, 1e-5)
	assert.Equal(t, 1, metrics.GlobalStep)
	assert.Equal(t, 1, metrics.UpdatedShards)
	assert.Empty(t, metrics.SkippedShards)

	// Summed gradient is [2,2]+[8,8] = [10,10]; lr 0.01 → w = 2 - 0.1.
	full, release, err := store.Materialize("scale")
	require.NoError(t, err)
	assert.InDelta(t, 1.9, full.Flat()[0], 1e-6)
	assert.InDelta(t, 1.9, full.Flat()[1], 1e-6)
	release()

	// Metrics were published without blocking.
	select {
	case published := <-trainer.Metrics():
		assert.Equal(t, metrics.GlobalStep, published.GlobalStep)
	default:
		t.Fatal("no metrics published")
	}
}

func TestDataParallelMatchesSingleDevice(t *testing.T) {
	// The whole point of the data split: 2 replicas with half the batch
	// each must land on the same weights as 1 device with the full batch.
	inputs := [][]float32{{1, 1}, {2, 2}}
	targets := [][]float32{{0, 0}, {0, 0}}

	// Reference: single rank, both microbatches.
	single, singleStore := buildTrainer(t, singleRankPlan(2))
	batch := must.M1(SplitBatch(inputs, targets, 2))
	singleMetrics, err := single.TrainStep(batch)
	require.NoError(t, err)

	// Data-parallel: 2 ranks, one sample each.
	plan := Plan{
		PipelineStages: 1, TensorParallel: 1, DataParallel: 2,
		MicrobatchesPerStep: 1, LearningRate: 0.01,
	}
	m := must.M1(plan.BuildMesh())
	w := comms.NewWorld(2, 5*time.Second)

	var wg sync.WaitGroup
	losses := make([]float32, 2)
	weights := make([][]float32, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			store := params.NewStore(m, w.Context(rank))
			stack := model.NewStack(store, 2, []model.LayerSpec{
				{Name: "scale", Width: 2, Strategy: params.Replicated},
			}, func(layer, ii int) float32 { return 2.0 })
			opt := optimizers.Sgd().LearningRate(plan.LearningRate).Done()
			trainer, err := NewTrainer(plan, m, w.Context(rank), store, stack, opt)
			if !assert.NoError(t, err) {
				return
			}
			metrics, err := trainer.TrainStep([]*model.Microbatch{
				{Index: 0, Input: inputs[rank], Target: targets[rank]},
			})
			if !assert.NoError(t, err, "rank %d", rank) {
				return
			}
			losses[rank] = metrics.Loss
			full, release, err := store.Materialize("scale")
			if !assert.NoError(t, err) {
				return
			}
			weights[rank] = append([]float32{}, full.Flat()...)
			release()
		}(rank)
	}
	wg.Wait()

	// Same aggregated loss on every rank, matching the reference.
	assert.InDelta(t, singleMetrics.Loss, losses[0], 1e-5)
	assert.InDelta(t, singleMetrics.Loss, losses[1], 1e-5)

	singleFull, release, err := singleStore.Materialize("scale")
	require.NoError(t, err)
	defer release()
	for rank := 0; rank < 2; rank++ {
		for ii := range singleFull.Flat() {
			assert.InDelta(t, singleFull.Flat()[ii], weights[rank][ii], 1e-5,
				"rank %d element %d", rank, ii)
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	trainer, _ := buildTrainer(t, singleRankPlan(1))
	batch := []*model.Microbatch{{Index: 0, Input: []float32{1, 1}, Target: []float32{1, 1}}}

	first, err := trainer.TrainStep(batch)
	require.NoError(t, err)
	var last StepMetrics
	for step := 0; step < 20; step++ {
		last, err = trainer.TrainStep(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last.Loss, first.Loss)
}

func TestNonFiniteGradientFlagsStep(t *testing.T) {
	trainer, store := buildTrainer(t, singleRankPlan(1))
	before, release, err := store.Materialize("scale")
	require.NoError(t, err)
	snapshot := append([]float32{}, before.Flat()...)
	release()

	// NaN input poisons the gradient; the update is skipped, the step is
	// flagged, and training can continue.
	metrics, err := trainer.TrainStep([]*model.Microbatch{
		{Index: 0, Input: []float32{float32(math.NaN()), 1}, Target: []float32{0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"scale"}, metrics.SkippedShards)
	assert.Equal(t, 0, metrics.UpdatedShards)

	after, release, err := store.Materialize("scale")
	require.NoError(t, err)
	assert.Equal(t, snapshot, after.Flat())
	release()

	// Next (clean) step proceeds normally.
	metrics, err = trainer.TrainStep([]*model.Microbatch{
		{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.UpdatedShards)
	assert.Empty(t, metrics.SkippedShards)
}

func TestEvalStepDoesNotTouchWeights(t *testing.T) {
	trainer, store := buildTrainer(t, singleRankPlan(1))
	loss, err := trainer.EvalStep([]*model.Microbatch{
		{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, loss, 1e-5) // ½·(4+4).

	full, release, err := store.Materialize("scale")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, []float32{2, 2}, full.Flat())
	assert.Equal(t, 0, trainer.GlobalStep())
}

func TestTwoStageEvalStep(t *testing.T) {
	// Forward-only across a pipeline boundary: activations relay over the
	// point-to-point links, no reductions run, and no weights change.
	plan := Plan{
		PipelineStages: 2, TensorParallel: 1, DataParallel: 1,
		MicrobatchesPerStep: 1, LearningRate: 0.01,
	}
	m := must.M1(plan.BuildMesh())
	w := comms.NewWorld(2, 5*time.Second)

	var wg sync.WaitGroup
	losses := make([]float32, 2)
	weights := make([][]float32, 2)
	steps := make([]int, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			store := params.NewStore(m, w.Context(rank))
			stack := model.NewStack(store, 2, []model.LayerSpec{
				{Name: "scale", Width: 2, Strategy: params.Replicated},
			}, func(layer, ii int) float32 { return 2.0 })
			opt := optimizers.Sgd().LearningRate(plan.LearningRate).Done()
			trainer, err := NewTrainer(plan, m, w.Context(rank), store, stack, opt)
			if !assert.NoError(t, err) {
				return
			}
			loss, err := trainer.EvalStep([]*model.Microbatch{
				{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
			})
			if !assert.NoError(t, err, "rank %d", rank) {
				return
			}
			losses[rank] = loss
			full, release, err := store.Materialize("scale")
			if !assert.NoError(t, err) {
				return
			}
			weights[rank] = append([]float32{}, full.Flat()...)
			release()
			steps[rank] = trainer.GlobalStep()
		}(rank)
	}
	wg.Wait()

	// Two stages of ×2 turn [1,1] into [4,4]; loss ½·(16+16) = 16,
	// aggregated identically onto both ranks.
	assert.InDelta(t, 16.0, losses[0], 1e-5)
	assert.InDelta(t, 16.0, losses[1], 1e-5)
	for rank := 0; rank < 2; rank++ {
		assert.Equal(t, []float32{2, 2}, weights[rank], "rank %d", rank)
		assert.Equal(t, 0, steps[rank], "rank %d", rank)
	}
}

func TestDeterministicSteps(t *testing.T) {
	// Two identical runs take identical weight trajectories.
	run := func() []float32 {
		trainer, store := buildTrainer(t, singleRankPlan(2))
		batch := []*model.Microbatch{
			{Index: 0, Input: []float32{1, 2}, Target: []float32{0, 1}},
			{Index: 1, Input: []float32{3, 1}, Target: []float32{1, 0}},
		}
		for step := 0; step < 5; step++ {
			_, err := trainer.TrainStep(batch)
			require.NoError(t, err)
		}
		full, release, err := store.Materialize("scale")
		require.NoError(t, err)
		defer release()
		return append([]float32{}, full.Flat()...)
	}
	assert.Equal(t, run(), run())
}

func TestMicrobatchCountMismatch(t *testing.T) {
	trainer, _ := buildTrainer(t, singleRankPlan(2))
	_, err := trainer.TrainStep([]*model.Microbatch{
		{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
	})
	require.Error(t, err)
}

func TestSplitBatch(t *testing.T) {
	mbs, err := SplitBatch(
		[][]float32{{1}, {2}, {3}, {4}},
		[][]float32{{5}, {6}, {7}, {8}}, 2)
	require.NoError(t, err)
	require.Len(t, mbs, 2)
	assert.Equal(t, []float32{1, 2}, mbs[0].Input)
	assert.Equal(t, []float32{7, 8}, mbs[1].Target)

	_, err = SplitBatch([][]float32{{1}}, [][]float32{{1}}, 2)
	require.Error(t, err)
}
