// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	. "github.com/gomlx/exceptions"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/model"
	"k8s.io/klog/v2"
)

// Scheduler drives one rank's pipeline stage through its 1F1B schedule,
// moving activations downstream and gradients upstream over the
// point-to-point links of the mesh.
type Scheduler struct {
	comm   comms.Context
	stage  int
	stages int

	prevRank int // -1 on the first stage.
	nextRank int // -1 on the last stage.
}

// New creates the scheduler for the rank behind comm.
func New(m *mesh.Mesh, comm comms.Context) *Scheduler {
	rank := comm.Rank()
	return &Scheduler{
		comm:     comm,
		stage:    m.Coordinate(rank).Stage,
		stages:   m.Stages(),
		prevRank: m.PrevStageRank(rank),
		nextRank: m.NextStageRank(rank),
	}
}

// Stage returns the pipeline stage this scheduler drives.
func (s *Scheduler) Stage() int { return s.stage }

// mbState tracks one microbatch through the stage's state machine.
type mbState int

const (
	mbIdle mbState = iota
	mbForwardPending
	mbForwardDone
	mbBackwardPending
)

// inflight is the bounded FIFO of microbatches between forward and
// backward on one stage, with the per-microbatch state machine
// Idle→ForwardPending→ForwardDone→BackwardPending→Idle. Capacity
// overflow or an out-of-order transition means the schedule violated its
// own contract, which is a bug, not a runtime condition.
type inflight struct {
	queue    []int
	states   map[int]mbState
	capacity int
}

func newInflight(capacity int) *inflight {
	return &inflight{states: make(map[int]mbState), capacity: capacity}
}

func (q *inflight) transition(index int, from, to mbState) {
	if q.states[index] != from {
		Panicf("pipeline: microbatch %d in state %d, expected %d", index, q.states[index], from)
	}
	if to == mbIdle {
		delete(q.states, index)
		return
	}
	q.states[index] = to
}

func (q *inflight) beginForward(index int) {
	if len(q.queue) >= q.capacity {
		Panicf("pipeline: %d microbatches in flight exceeds the stage bound %d", len(q.queue)+1, q.capacity)
	}
	q.transition(index, mbIdle, mbForwardPending)
	q.queue = append(q.queue, index)
}

func (q *inflight) finishForward(index int) {
	q.transition(index, mbForwardPending, mbForwardDone)
}

func (q *inflight) beginBackward(index int) {
	if len(q.queue) == 0 || q.queue[0] != index {
		Panicf("pipeline: backward of microbatch %d out of FIFO order (queue %v)", index, q.queue)
	}
	q.transition(index, mbForwardDone, mbBackwardPending)
	q.queue = q.queue[1:]
}

func (q *inflight) finishBackward(index int) {
	q.transition(index, mbBackwardPending, mbIdle)
}

// RunStep executes the stage's full 1F1B schedule for one training step
// and returns the summed microbatch loss. Only the last stage observes a
// non-zero loss; upstream stages return 0 and the caller combines losses
// across the pipeline group.
//
// Any error is fatal for the step: the caller must not retry into the
// same step, as peers may already be blocked on collectives this rank
// will never reach.
func (s *Scheduler) RunStep(mdl model.Model, microbatches []*model.Microbatch) (float32, error) {
	schedule := StageSchedule(s.stage, s.stages, len(microbatches))
	pending := newInflight(MaxInFlight(s.stage, s.stages, len(microbatches)))

	// Last-stage output gradients, produced at forward time and consumed
	// by the matching backward.
	lossGrads := make(map[int][]float32)
	var lossSum float32

	for _, action := range schedule {
		mb := microbatches[action.Microbatch]
		var err error
		switch action.Op {
		case Forward:
			lossSum, err = s.forward(mdl, mb, pending, lossGrads, lossSum)
		case Backward:
			err = s.backward(mdl, mb, pending, lossGrads)
		}
		if err != nil {
			return 0, faults.WithStage(err, s.stage)
		}
	}
	if len(pending.queue) != 0 {
		Panicf("pipeline: schedule ended with microbatches %v still in flight", pending.queue)
	}
	klog.V(2).Infof("pipeline: stage %d ran %d action(s) over %d microbatch(es)",
		s.stage, len(schedule), len(microbatches))
	return lossSum, nil
}

func (s *Scheduler) forward(mdl model.Model, mb *model.Microbatch, pending *inflight,
	lossGrads map[int][]float32, lossSum float32) (float32, error) {
	input := mb.Input
	if s.prevRank >= 0 {
		received, err := s.comm.Recv(s.prevRank)
		if err != nil {
			return lossSum, err
		}
		input = received
	}
	pending.beginForward(mb.Index)
	output, err := mdl.Forward(mb, input)
	if err != nil {
		return lossSum, err
	}
	pending.finishForward(mb.Index)
	if s.nextRank >= 0 {
		return lossSum, s.comm.Send(s.nextRank, output)
	}
	loss, outputGrad, err := mdl.LossAndGrad(mb, output)
	if err != nil {
		return lossSum, err
	}
	lossGrads[mb.Index] = outputGrad
	return lossSum + loss, nil
}

func (s *Scheduler) backward(mdl model.Model, mb *model.Microbatch, pending *inflight,
	lossGrads map[int][]float32) error {
	var outputGrad []float32
	if s.nextRank >= 0 {
		received, err := s.comm.Recv(s.nextRank)
		if err != nil {
			return err
		}
		outputGrad = received
	} else {
		outputGrad = lossGrads[mb.Index]
		if outputGrad == nil {
			Panicf("pipeline: backward of microbatch %d before its loss gradient", mb.Index)
		}
		delete(lossGrads, mb.Index)
	}
	pending.beginBackward(mb.Index)
	inputGrad, err := mdl.Backward(mb, outputGrad)
	if err != nil {
		return err
	}
	pending.finishBackward(mb.Index)
	if s.prevRank >= 0 {
		return s.comm.Send(s.prevRank, inputGrad)
	}
	return nil
}
