// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"sort"
	"time"

	"github.com/meshtrain/meshtrain/model"
	"github.com/pkg/errors"
	xslices "golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics StepMetrics) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics StepMetrics) error

// Loop runs a training loop, invoking Trainer.TrainStep every step, and
// calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it,
// like checkpointing, progress reporting or early stopping. The public
// attributes are meant for reading only.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed. Defaults to 0.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run. If
	// RunSteps (or RunEpochs) is called multiple times, StartStep is
	// reset to the last LoopStep of the previous run.
	StartStep int

	// EndStep is one-past the last step to be executed, or -1 when
	// running till the end of the dataset.
	EndStep int

	// Epoch is set when running RunEpochs, starting from 0.
	Epoch int

	// SharedData allows cross-tools to publish and consume information.
	// Keys and semantics of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// OnStart adds a hook with given priority and name (for error reporting)
// to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name to each step of a run.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name to the end of a run,
// after the last step's metrics are known.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (loop *Loop) start(ds Dataset) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			return
		}
		if hookErr := hook.fn(loop, ds); hookErr != nil {
			err = errors.WithMessagef(hookErr, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) step(batch []*model.Microbatch) (metrics StepMetrics, err error) {
	start := time.Now()
	metrics, err = loop.Trainer.TrainStep(batch)
	if err != nil {
		return metrics, errors.WithMessagef(err, "train step %d", loop.LoopStep)
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(start))
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		if hookErr := hook.fn(loop, metrics); hookErr != nil {
			err = errors.WithMessagef(hookErr, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) end(metrics StepMetrics) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		if hookErr := hook.fn(loop, metrics); hookErr != nil {
			err = errors.WithMessagef(hookErr, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// RunSteps runs the given number of training steps, resetting the dataset
// whenever it is exhausted mid-run. Returns the metrics of the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (StepMetrics, error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err := loop.start(ds); err != nil {
		return StepMetrics{}, err
	}
	var last StepMetrics
	for loop.LoopStep < loop.EndStep {
		batch, err := ds.Yield()
		if err == io.EOF {
			ds.Reset()
			continue
		}
		if err != nil {
			return last, errors.WithMessage(err, "dataset")
		}
		last, err = loop.step(batch)
		if err != nil {
			return last, err
		}
		loop.LoopStep++
	}
	if err := loop.end(last); err != nil {
		return last, err
	}
	klog.V(1).Infof("train: ran %d step(s), final loss %.6g", steps, last.Loss)
	return last, nil
}

// RunEpochs runs the dataset end-to-end the given number of times.
// Returns the metrics of the last step.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (StepMetrics, error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if err := loop.start(ds); err != nil {
		return StepMetrics{}, err
	}
	var last StepMetrics
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				ds.Reset()
				break
			}
			if err != nil {
				return last, errors.WithMessage(err, "dataset")
			}
			last, err = loop.step(batch)
			if err != nil {
				return last, err
			}
			loop.LoopStep++
		}
	}
	if err := loop.end(last); err != nil {
		return last, err
	}
	return last, nil
}

// MedianTrainStepDuration returns the median duration of the steps run so
// far, or 1ms if none yet.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	durations := xslices.Clone(loop.TrainStepDurations)
	xslices.Sort(durations)
	return durations[len(durations)/2]
}

// EveryNSteps calls fn on the loop every n steps (as well as on the last
// step of a run).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	loop.OnStep(name, priority, func(loop *Loop, metrics StepMetrics) error {
		if (loop.LoopStep+1)%n == 0 || loop.LoopStep+1 == loop.EndStep {
			return fn(loop, metrics)
		}
		return nil
	})
}

// NTimesDuringLoop calls fn n times evenly spread over a run with a known
// EndStep (RunSteps only), plus on the last step.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	loop.OnStart(name, priority, func(loop *Loop, ds Dataset) error {
		if loop.EndStep < 0 {
			return errors.Errorf("NTimesDuringLoop(%q) requires a run with a known number of steps", name)
		}
		return nil
	})
	loop.OnStep(name, priority, func(loop *Loop, metrics StepMetrics) error {
		total := loop.EndStep - loop.StartStep
		every := total / n
		if every < 1 {
			every = 1
		}
		if (loop.LoopStep-loop.StartStep+1)%every == 0 || loop.LoopStep+1 == loop.EndStep {
			return fn(loop, metrics)
		}
		return nil
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
