// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"sync"

	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/params"
	"k8s.io/klog/v2"
)

// eventBuffer bounds how many gradient-ready events may queue before
// producers block. Backpressure, not loss.
const eventBuffer = 64

// event is one gradient-ready notification: a shard whose reduced
// gradient just became available.
type event struct {
	shard    *params.Shard
	gradient []float32
}

// Report summarizes what one pumped step did to the local shards.
type Report struct {
	// Updated counts shards whose values changed this step.
	Updated int

	// Skipped names shards whose update was dropped because the reduced
	// gradient was non-finite. Non-empty Skipped flags the step in the
	// metrics but does not abort it.
	Skipped []string
}

// Pump fuses optimizer updates into the backward pass: gradient-ready
// events flow in as gradsync produces shard-local reduced gradients, and
// a single consumer applies the inplace update per shard. Updates overlap
// with the reductions of later buckets instead of waiting for the full
// backward pass.
//
// Each shard's event must fire exactly once per step; firing twice is a
// fatal ShardMismatch.
type Pump struct {
	opt  Interface
	rank int

	mu      sync.Mutex
	fired   map[string]bool
	failure error

	events chan event
	done   chan struct{}
	report Report
}

// NewPump creates the update pump for one rank's shards.
func NewPump(opt Interface, rank int) *Pump {
	return &Pump{opt: opt, rank: rank}
}

// BeginStep arms the pump for one training step and starts the consumer.
// Must be paired with Finish.
func (p *Pump) BeginStep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events != nil {
		panic("optimizers: Pump.BeginStep called twice without Finish")
	}
	p.fired = make(map[string]bool)
	p.failure = nil
	p.report = Report{}
	p.events = make(chan event, eventBuffer)
	p.done = make(chan struct{})
	go p.consume(p.events, p.done)
}

// GradientReady hands a shard-local reduced gradient to the pump. Blocks
// only when the event buffer is full. The gradient buffer is owned by the
// pump until Finish returns.
func (p *Pump) GradientReady(shard *params.Shard, gradient []float32) error {
	p.mu.Lock()
	if p.events == nil {
		p.mu.Unlock()
		panic("optimizers: Pump.GradientReady outside BeginStep/Finish")
	}
	if p.fired[shard.Name()] {
		p.mu.Unlock()
		return faults.ShardMismatchf(p.rank, "gradient-ready fired twice for %s in one step", shard.Name())
	}
	p.fired[shard.Name()] = true
	events := p.events
	p.mu.Unlock()

	events <- event{shard: shard, gradient: gradient}
	return nil
}

// Finish closes the step, waits for the consumer to drain all pending
// updates, and returns the step report. Fatal optimizer failures surface
// here; non-finite skips only appear in the report.
func (p *Pump) Finish() (Report, error) {
	p.mu.Lock()
	events, done := p.events, p.done
	p.events = nil
	p.mu.Unlock()
	if events == nil {
		panic("optimizers: Pump.Finish without BeginStep")
	}
	close(events)
	<-done
	if p.failure != nil {
		return p.report, p.failure
	}
	return p.report, nil
}

// consume is the single-writer applying updates. One consumer per pump
// keeps shard mutation single-threaded without per-shard locking.
func (p *Pump) consume(events <-chan event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		if p.failure != nil {
			continue // Drain after a fatal failure so producers never block.
		}
		err := p.opt.Step(ev.shard, ev.gradient)
		switch {
		case err == nil:
			p.report.Updated++
		case faults.KindOf(err) == faults.KindNonFiniteGradient:
			p.report.Skipped = append(p.report.Skipped, ev.shard.Name())
		default:
			p.failure = err
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("optimizers: pumped %d update(s), %d skipped", p.report.Updated, len(p.report.Skipped))
	}
}
