// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline schedules microbatches across the pipeline stages with
// the one-forward-one-backward (1F1B) discipline: after a short warmup,
// each stage alternates one forward with one backward, which bounds the
// number of in-flight activations to the stage's distance from the end of
// the pipeline instead of the full microbatch count.
//
// The schedule is static: every rank derives the same per-stage action
// sequence from (stage, stages, microbatches) alone, so matching sends
// and receives pair up without any control-plane traffic.
package pipeline

import (
	"fmt"

	. "github.com/gomlx/exceptions"
)

// Op is one scheduled unit of work on a stage.
type Op int

const (
	// Forward runs the stage forward on one microbatch and ships the
	// activations downstream.
	Forward Op = iota

	// Backward propagates one microbatch's gradient upstream.
	Backward
)

// String implements fmt.Stringer.
func (op Op) String() string {
	if op == Forward {
		return "F"
	}
	return "B"
}

// Action pairs an op with the microbatch it applies to.
type Action struct {
	Op         Op
	Microbatch int
}

// String implements fmt.Stringer, e.g. "F3" or "B0".
func (a Action) String() string { return fmt.Sprintf("%s%d", a.Op, a.Microbatch) }

// StageSchedule returns the 1F1B action sequence of one stage.
//
// Warmup runs (stages-1-stage) forwards so the last stage can start its
// first backward immediately; the steady phase alternates F and B; the
// cooldown drains the remaining backwards. Forward and backward each
// visit microbatches in index order.
func StageSchedule(stage, stages, microbatches int) []Action {
	if stage < 0 || stage >= stages {
		Panicf("pipeline: stage %d outside [0, %d)", stage, stages)
	}
	if microbatches <= 0 {
		Panicf("pipeline: schedule needs at least 1 microbatch, got %d", microbatches)
	}
	warmup := stages - 1 - stage
	if warmup > microbatches {
		warmup = microbatches
	}
	actions := make([]Action, 0, 2*microbatches)
	for mb := 0; mb < warmup; mb++ {
		actions = append(actions, Action{Forward, mb})
	}
	// Steady 1F1B: each remaining forward is chased by the oldest
	// outstanding backward.
	for mb := warmup; mb < microbatches; mb++ {
		actions = append(actions, Action{Forward, mb})
		actions = append(actions, Action{Backward, mb - warmup})
	}
	for mb := microbatches - warmup; mb < microbatches; mb++ {
		actions = append(actions, Action{Backward, mb})
	}
	return actions
}

// MaxInFlight returns the peak number of microbatches simultaneously
// between forward and backward at the given stage. This is the activation
// memory bound the 1F1B discipline buys.
func MaxInFlight(stage, stages, microbatches int) int {
	depth := stages - stage
	if depth > microbatches {
		depth = microbatches
	}
	return depth
}
