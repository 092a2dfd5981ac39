// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the inplace shard optimizers used by
// train.Trainer, or by themselves. They all implement optimizers.Interface.
//
// An optimizer step mutates the shard storage and its colocated state
// directly; no parameter copy is made. Each shard's update consumes only
// the shard-local reduced gradient produced by gradsync, so the update
// cost and memory scale with the shard, not the full parameter.
//
// A non-finite (NaN or Inf) reduced gradient skips the update for that
// shard only and is reported as a recoverable condition; the parameter
// keeps its previous value.
package optimizers

import (
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/params"
	"github.com/meshtrain/meshtrain/types/tensors"
	"k8s.io/klog/v2"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Step applies one inplace update to the shard from its reduced
	// gradient. gradient must be shard-aligned (same length as
	// shard.Values()). A non-finite gradient returns a NonFiniteGradient
	// condition and leaves the shard (and its optimizer state) untouched.
	Step(shard *params.Shard, gradient []float32) error

	// Clear drops the temporary state the optimizer accumulated for the
	// shard. Used to reset training or to shed memory before inference.
	Clear(shard *params.Shard)

	// Name identifies the optimizer in logs and checkpoints.
	Name() string
}

// KnownOptimizers maps optimizer names to default constructors, keyed the
// way the command line selects them.
var KnownOptimizers = map[string]func(lr float32) Interface{
	"sgd":      func(lr float32) Interface { return Sgd().LearningRate(lr).Done() },
	"momentum": func(lr float32) Interface { return Sgd().LearningRate(lr).Momentum(DefaultMomentum).Done() },
}

const (
	// DefaultLearningRate used when the configuration leaves it unset.
	DefaultLearningRate = 0.1

	// DefaultMomentum used by the "momentum" known optimizer.
	DefaultMomentum = 0.9
)

// SgdConfig builds an SGD optimizer, optionally with momentum and weight
// decay. Create it with Sgd(), set options, and call Done.
type SgdConfig struct {
	lr          float32
	momentum    float32
	weightDecay float32
}

// Sgd returns the configuration for a plain stochastic gradient descent
// optimizer, to be further configured and built with Done.
func Sgd() *SgdConfig {
	return &SgdConfig{lr: DefaultLearningRate}
}

// LearningRate sets the step size. Defaults to DefaultLearningRate.
func (c *SgdConfig) LearningRate(lr float32) *SgdConfig {
	c.lr = lr
	return c
}

// Momentum sets the velocity decay factor. Zero (the default) disables the
// velocity buffer entirely.
func (c *SgdConfig) Momentum(mu float32) *SgdConfig {
	c.momentum = mu
	return c
}

// WeightDecay adds decoupled L2 regularization: the decay term is folded
// into the effective gradient before the update.
func (c *SgdConfig) WeightDecay(wd float32) *SgdConfig {
	c.weightDecay = wd
	return c
}

// Done builds the configured optimizer.
func (c *SgdConfig) Done() Interface {
	if c.momentum != 0 {
		return &momentumSgd{cfg: *c}
	}
	return &plainSgd{cfg: *c}
}

// plainSgd updates w -= lr * g in place.
type plainSgd struct {
	cfg SgdConfig
}

func (o *plainSgd) Name() string { return "sgd" }

func (o *plainSgd) Step(shard *params.Shard, gradient []float32) error {
	if err := checkStep(shard, gradient); err != nil {
		return err
	}
	w := shard.Values()
	for ii, g := range gradient {
		if o.cfg.weightDecay != 0 {
			g += o.cfg.weightDecay * w[ii]
		}
		w[ii] -= o.cfg.lr * g
	}
	return nil
}

func (o *plainSgd) Clear(shard *params.Shard) {}

// momentumSgd keeps a shard-aligned velocity buffer in the shard's
// optimizer state: v = mu*v + g; w -= lr*v.
type momentumSgd struct {
	cfg SgdConfig
}

func (o *momentumSgd) Name() string { return "momentum" }

func (o *momentumSgd) Step(shard *params.Shard, gradient []float32) error {
	if err := checkStep(shard, gradient); err != nil {
		return err
	}
	w := shard.Values()
	v := shard.State().EnsureMomentum(len(w))
	for ii, g := range gradient {
		if o.cfg.weightDecay != 0 {
			g += o.cfg.weightDecay * w[ii]
		}
		v[ii] = o.cfg.momentum*v[ii] + g
		w[ii] -= o.cfg.lr * v[ii]
	}
	return nil
}

func (o *momentumSgd) Clear(shard *params.Shard) {
	shard.State().Momentum = nil
}

// checkStep validates the gradient before any mutation: length mismatches
// are configuration bugs, non-finite values skip the update recoverably.
// Either way the shard and its state are untouched on error.
func checkStep(shard *params.Shard, gradient []float32) error {
	if len(gradient) != shard.Length() {
		return faults.Configurationf("optimizer gradient for %s has %d values, shard has %d",
			shard.Name(), len(gradient), shard.Length())
	}
	if !tensors.IsFinite(gradient) {
		klog.Warningf("optimizers: non-finite gradient for %s, update skipped", shard.Name())
		return faults.NonFiniteGradientf(-1, "gradient for %s contains NaN or Inf", shard.Name())
	}
	return nil
}
