// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleRankStack(t *testing.T) *Stack {
	t.Helper()
	m := must.M1(mesh.Build(1, 1, 1, 1))
	store := params.NewStore(m, comms.NewRecorder())
	return NewStack(store, 2, []LayerSpec{
		{Name: "l0/scale", Width: 2, Strategy: params.Replicated},
	}, func(layer, ii int) float32 { return 2.0 })
}

func TestStackForwardBackward(t *testing.T) {
	s := singleRankStack(t)
	mb := &Microbatch{Index: 0, Input: []float32{1, 2}, Target: []float32{0, 0}}

	out, err := s.Forward(mb, mb.Input)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, out)
	assert.Equal(t, 1, s.InFlight())

	loss, outGrad, err := s.LossAndGrad(mb, out)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, loss, 1e-6) // ½·(4+16).
	assert.Equal(t, []float32{2, 4}, outGrad)

	inGrad, err := s.Backward(mb, outGrad)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 8}, inGrad)            // w ⊙ g.
	assert.Equal(t, []float32{2, 8}, s.Gradients()["l0/scale"]) // x ⊙ g.
	assert.Equal(t, 0, s.InFlight())
}

func TestStackAccumulatesAcrossMicrobatches(t *testing.T) {
	s := singleRankStack(t)
	for index := 0; index < 2; index++ {
		mb := &Microbatch{Index: index, Input: []float32{1, 1}, Target: []float32{0, 0}}
		out := must.M1(s.Forward(mb, mb.Input))
		_, outGrad, err := s.LossAndGrad(mb, out)
		require.NoError(t, err)
		_, err = s.Backward(mb, outGrad)
		require.NoError(t, err)
	}
	// Each microbatch contributes x⊙g = [2,2]; two of them accumulate.
	assert.Equal(t, []float32{4, 4}, s.Gradients()["l0/scale"])

	s.ZeroGrad()
	assert.Empty(t, s.Gradients())
}

func TestStackGuardsMisuse(t *testing.T) {
	s := singleRankStack(t)
	mb := &Microbatch{Index: 0, Input: []float32{1, 2}}
	_, err := s.Forward(mb, []float32{1})
	require.Error(t, err) // Width mismatch.

	require.Panics(t, func() { _, _ = s.Backward(mb, []float32{1, 1}) }) // No pending forward.

	must.M1(s.Forward(mb, mb.Input))
	require.Panics(t, func() { _, _ = s.Forward(mb, mb.Input) }) // Already in flight.
}
