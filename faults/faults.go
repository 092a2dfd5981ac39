// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package faults defines the error taxonomy of the training orchestration.
//
// Conditions split in two classes with different propagation policies:
//
//   - Local, recoverable: NonFiniteGradient. Handled inline -- the shard
//     update is skipped and the step is flagged in the metrics.
//   - Group-wide, fatal: ConfigurationError, CollectiveTimeout, PeerFailure
//     and ShardMismatch. Once any rank diverges from lock-step there is no
//     safe local retry; the run terminates with a non-zero exit status and
//     a diagnostic identifying the failing rank/collective.
package faults

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the failure conditions of the training orchestration.
type Kind int

const (
	// KindUnknown is the zero value, used for errors outside the taxonomy.
	KindUnknown Kind = iota

	// KindConfiguration indicates mesh or partitioning arithmetic is
	// inconsistent. Fatal at startup, no training proceeds.
	KindConfiguration

	// KindNonFiniteGradient indicates a reduced gradient contained NaN or
	// Inf. The shard update is skipped; training continues.
	KindNonFiniteGradient

	// KindCollectiveTimeout indicates a rank failed to reach a collective
	// within the configured timeout. Fatal for the whole run.
	KindCollectiveTimeout

	// KindPeerFailure indicates a peer process died or was reported dead.
	// Fatal for the whole run.
	KindPeerFailure

	// KindShardMismatch indicates a shard appeared in zero or multiple
	// gradient buckets in one step, or its gradient-ready event fired more
	// than once. Fatal: it indicates a scheduling or partitioning bug.
	KindShardMismatch
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindNonFiniteGradient:
		return "NonFiniteGradient"
	case KindCollectiveTimeout:
		return "CollectiveTimeout"
	case KindPeerFailure:
		return "PeerFailure"
	case KindShardMismatch:
		return "ShardMismatch"
	}
	return "Unknown"
}

// Fault is a classified training failure. Rank, Stage and Collective are
// filled in where known, so the user-visible diagnostic can identify the
// failing stage/rank/collective.
type Fault struct {
	Kind       Kind
	Rank       int    // Global rank where the condition was detected, or -1.
	Stage      int    // Pipeline stage, or -1.
	Collective string // Collective operation name, when applicable.
	msg        string
}

// Error implements error.
func (f *Fault) Error() string {
	s := fmt.Sprintf("%s: %s", f.Kind, f.msg)
	if f.Rank >= 0 {
		s += fmt.Sprintf(" (rank=%d", f.Rank)
		if f.Stage >= 0 {
			s += fmt.Sprintf(", stage=%d", f.Stage)
		}
		if f.Collective != "" {
			s += fmt.Sprintf(", collective=%s", f.Collective)
		}
		s += ")"
	}
	return s
}

// Configurationf creates a fatal ConfigurationError.
func Configurationf(format string, args ...any) error {
	return &Fault{Kind: KindConfiguration, Rank: -1, Stage: -1, msg: fmt.Sprintf(format, args...)}
}

// NonFiniteGradientf creates the recoverable non-finite gradient condition.
func NonFiniteGradientf(rank int, format string, args ...any) error {
	return &Fault{Kind: KindNonFiniteGradient, Rank: rank, Stage: -1, msg: fmt.Sprintf(format, args...)}
}

// CollectiveTimeoutf creates a fatal collective timeout on the given
// collective operation.
func CollectiveTimeoutf(rank int, collective string, format string, args ...any) error {
	return &Fault{Kind: KindCollectiveTimeout, Rank: rank, Stage: -1, Collective: collective, msg: fmt.Sprintf(format, args...)}
}

// PeerFailuref creates a fatal peer-failure condition.
func PeerFailuref(rank int, collective string, format string, args ...any) error {
	return &Fault{Kind: KindPeerFailure, Rank: rank, Stage: -1, Collective: collective, msg: fmt.Sprintf(format, args...)}
}

// ShardMismatchf creates a fatal shard bucketing/firing mismatch.
func ShardMismatchf(rank int, format string, args ...any) error {
	return &Fault{Kind: KindShardMismatch, Rank: rank, Stage: -1, msg: fmt.Sprintf(format, args...)}
}

// WithStage returns err annotated with the pipeline stage, when err is a
// Fault. The annotation goes on a copy: the same error value may be held
// by several ranks (a group-wide fatal), and mutating it in place would
// change it for every holder. Other errors are returned unchanged.
func WithStage(err error, stage int) error {
	var f *Fault
	if !errors.As(err, &f) {
		return err
	}
	annotated := *f
	annotated.Stage = stage
	return &annotated
}

// KindOf returns the Kind of err, unwrapping as needed.
// Errors outside the taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err requires terminating the whole run.
// Errors outside the taxonomy are treated as fatal: an unknown condition
// cannot be proven to have left all ranks in lock-step.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindNonFiniteGradient
}
