// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the extra synchronization tools used by the
// training orchestration: one-shot latches, used to propagate aborts across
// pipeline stages and collective calls.
package xsync

import "sync"

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers. The returned channel is closed when the latch is
// triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// ErrLatch is a Latch that carries the error that caused it to trigger.
//
// It is used to abort a training step: the first failure (a collective
// timeout, a peer failure) triggers the latch with its error, and every
// stage and in-flight worker observes the same error when draining.
type ErrLatch struct {
	latch *Latch

	muErr sync.Mutex
	err   error
}

// NewErrLatch returns an un-triggered ErrLatch.
func NewErrLatch() *ErrLatch {
	return &ErrLatch{latch: NewLatch()}
}

// TriggerWithError triggers the latch with the given error.
// Only the first error is kept.
func (l *ErrLatch) TriggerWithError(err error) {
	l.muErr.Lock()
	if l.err == nil {
		l.err = err
	}
	l.muErr.Unlock()
	l.latch.Trigger()
}

// Test checks whether the latch has been triggered.
func (l *ErrLatch) Test() bool { return l.latch.Test() }

// Wait waits for the latch to be triggered and returns its error.
func (l *ErrLatch) Wait() error {
	l.latch.Wait()
	return l.Err()
}

// WaitChan returns the channel closed when the latch triggers.
func (l *ErrLatch) WaitChan() <-chan struct{} { return l.latch.WaitChan() }

// Err returns the error the latch was triggered with, or nil if not yet
// triggered.
func (l *ErrLatch) Err() error {
	l.muErr.Lock()
	defer l.muErr.Unlock()
	return l.err
}
