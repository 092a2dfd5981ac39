// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/model"
	"github.com/meshtrain/meshtrain/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleString(stage, stages, microbatches int) string {
	actions := StageSchedule(stage, stages, microbatches)
	parts := make([]string, len(actions))
	for ii, a := range actions {
		parts[ii] = a.String()
	}
	return strings.Join(parts, " ")
}

func TestStageSchedule1F1B(t *testing.T) {
	// Two stages, four microbatches: the first stage warms up with one
	// forward, then strictly alternates.
	assert.Equal(t, "F0 F1 B0 F2 B1 F3 B2 B3", scheduleString(0, 2, 4))
	assert.Equal(t, "F0 B0 F1 B1 F2 B2 F3 B3", scheduleString(1, 2, 4))

	// Deeper pipeline: warmup grows with distance from the last stage.
	assert.Equal(t, "F0 F1 F2 F3 B0 B1 B2 B3", scheduleString(0, 4, 4))
	assert.Equal(t, "F0 F1 F2 B0 F3 B1 B2 B3", scheduleString(1, 4, 4))
	assert.Equal(t, "F0 B0 F1 B1 F2 B2 F3 B3", scheduleString(3, 4, 4))

	// Fewer microbatches than the warmup would ask for.
	assert.Equal(t, "F0 B0", scheduleString(0, 4, 1))
}

func TestScheduleVisitsEveryMicrobatchOnce(t *testing.T) {
	for stages := 1; stages <= 4; stages++ {
		for stage := 0; stage < stages; stage++ {
			for _, microbatches := range []int{1, 2, 4, 7} {
				forwards := map[int]int{}
				backwards := map[int]int{}
				inFlight, peak := 0, 0
				for _, a := range StageSchedule(stage, stages, microbatches) {
					if a.Op == Forward {
						forwards[a.Microbatch]++
						inFlight++
					} else {
						require.Positive(t, forwards[a.Microbatch],
							"B%d before F%d (stage %d/%d)", a.Microbatch, a.Microbatch, stage, stages)
						backwards[a.Microbatch]++
						inFlight--
					}
					if inFlight > peak {
						peak = inFlight
					}
				}
				for mb := 0; mb < microbatches; mb++ {
					require.Equal(t, 1, forwards[mb])
					require.Equal(t, 1, backwards[mb])
				}
				require.LessOrEqual(t, peak, MaxInFlight(stage, stages, microbatches))
			}
		}
	}
}

func TestMaxInFlight(t *testing.T) {
	assert.Equal(t, 4, MaxInFlight(0, 4, 8))
	assert.Equal(t, 1, MaxInFlight(3, 4, 8))
	assert.Equal(t, 2, MaxInFlight(0, 4, 2)) // Capped by microbatch count.
}

// runTwoStagePipeline drives a 2-stage pipeline over the in-process world
// with one elementwise-scale layer per stage (weights all 2.0) and
// returns the last stage's summed loss and each stage's gradients.
func runTwoStagePipeline(t *testing.T, microbatches []*model.Microbatch) (float32, []map[string][]float32) {
	t.Helper()
	m := must.M1(mesh.Build(2, 2, 1, 1))
	w := comms.NewWorld(2, 5*time.Second)

	var wg sync.WaitGroup
	losses := make([]float32, 2)
	grads := make([]map[string][]float32, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			store := params.NewStore(m, w.Context(rank))
			stack := model.NewStack(store, 2, []model.LayerSpec{
				{Name: "scale", Width: 2, Strategy: params.Replicated},
			}, func(layer, ii int) float32 { return 2.0 })
			sched := New(m, w.Context(rank))
			loss, err := sched.RunStep(stack, microbatches)
			if !assert.NoError(t, err, "rank %d", rank) {
				return
			}
			losses[rank] = loss
			grads[rank] = stack.Gradients()
		}(rank)
	}
	wg.Wait()
	return losses[0] + losses[1], grads
}

func TestTwoStageRunStep(t *testing.T) {
	// x=[1,1] through two ×2 stages gives [4,4]; against target [0,0] the
	// loss is ½·(16+16)=16 and the output gradient is [4,4].
	loss, grads := runTwoStagePipeline(t, []*model.Microbatch{
		{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
	})
	assert.InDelta(t, 16.0, loss, 1e-5)
	// Stage 1 sees input [2,2] and gradient [4,4]: wGrad=[8,8]; it sends
	// [8,8] upstream, where stage 0 input [1,1] also yields wGrad=[8,8].
	assert.Equal(t, []float32{8, 8}, grads[1]["scale"])
	assert.Equal(t, []float32{8, 8}, grads[0]["scale"])
}

func TestTwoStageGradientAccumulation(t *testing.T) {
	// Two identical microbatches accumulate both stages' gradients and
	// the last stage sums the per-microbatch losses.
	mbs := []*model.Microbatch{
		{Index: 0, Input: []float32{1, 1}, Target: []float32{0, 0}},
		{Index: 1, Input: []float32{1, 1}, Target: []float32{0, 0}},
	}
	loss, grads := runTwoStagePipeline(t, mbs)
	assert.InDelta(t, 32.0, loss, 1e-5)
	assert.Equal(t, []float32{16, 16}, grads[0]["scale"])
	assert.Equal(t, []float32{16, 16}, grads[1]["scale"])
}

func TestSingleStagePipeline(t *testing.T) {
	// Degenerate 1-stage pipeline: no sends, loss computed locally.
	m := must.M1(mesh.Build(1, 1, 1, 1))
	w := comms.NewWorld(1, time.Second)
	store := params.NewStore(m, w.Context(0))
	stack := model.NewStack(store, 2, []model.LayerSpec{
		{Name: "scale", Width: 2, Strategy: params.Replicated},
	}, func(layer, ii int) float32 { return 1.0 })

	sched := New(m, w.Context(0))
	loss, err := sched.RunStep(stack, []*model.Microbatch{
		{Index: 0, Input: []float32{3, 4}, Target: []float32{3, 4}},
	})
	require.NoError(t, err)
	assert.Zero(t, loss)
	assert.Equal(t, []float32{0, 0}, stack.Gradients()["scale"])
}

func TestScheduleRejectsBadArguments(t *testing.T) {
	require.Panics(t, func() { StageSchedule(2, 2, 4) })
	require.Panics(t, func() { StageSchedule(0, 2, 0) })
}
