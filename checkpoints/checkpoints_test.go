// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleRankFixture(t *testing.T) (*mesh.Mesh, comms.Context, *params.Store) {
	t.Helper()
	m := must.M1(mesh.Build(1, 1, 1, 1))
	comm := comms.NewWorld(1, time.Second).Context(0)
	store := params.NewStore(m, comm)
	store.Shard("w", params.Replicated, []float32{1, 2, 3, 4})
	store.Shard("bias", params.Replicated, []float32{-1})
	return m, comm, store
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m, comm, store := singleRankFixture(t)
	handler, err := Build(m, comm, store).Dir(t.TempDir()).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save(7))
	require.Equal(t, 7, handler.LatestStep())

	// Mutate, then restore.
	store.Get("w").Values()[0] = 99
	store.Get("bias").Values()[0] = 99
	require.NoError(t, handler.Load(7))
	assert.Equal(t, []float32{1, 2, 3, 4}, store.Get("w").Values())
	assert.Equal(t, []float32{-1}, store.Get("bias").Values())
}

func TestFloat16Payload(t *testing.T) {
	m, comm, store := singleRankFixture(t)
	handler, err := Build(m, comm, store).Dir(t.TempDir()).Float16().Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save(1))

	store.Get("w").Values()[2] = 0
	require.NoError(t, handler.Load(1))
	// Half precision is exact for small integers.
	assert.Equal(t, []float32{1, 2, 3, 4}, store.Get("w").Values())
}

func TestKeepPrunesOldCheckpoints(t *testing.T) {
	m, comm, store := singleRankFixture(t)
	handler, err := Build(m, comm, store).Dir(t.TempDir()).Keep(2).Done()
	require.NoError(t, err)
	for step := 1; step <= 5; step++ {
		require.NoError(t, handler.Save(step))
	}
	assert.Equal(t, 5, handler.LatestStep())
	// Steps 1..3 were pruned.
	require.Error(t, handler.Load(1))
	require.Error(t, handler.Load(3))
	require.NoError(t, handler.Load(4))
}

func TestLoadSlicesShards(t *testing.T) {
	// Two data ranks: the restored values must land on each rank's own
	// piece. Save on a 1-rank layout is not possible here, so rank 0
	// writes while both materialize.
	m := must.M1(mesh.Build(2, 1, 1, 2))
	w := comms.NewWorld(2, 5*time.Second)

	done := make(chan error, 2)
	dir := t.TempDir()
	for rank := 0; rank < 2; rank++ {
		go func(rank int) {
			store := params.NewStore(m, w.Context(rank))
			store.Shard("w", params.Replicated, []float32{10, 20, 30, 40})
			handler, err := Build(m, w.Context(rank), store).Dir(dir).Done()
			if err != nil {
				done <- err
				return
			}
			if err = handler.Save(1); err != nil {
				done <- err
				return
			}
			// Clobber the local shard, restore, verify the piece.
			for ii := range store.Get("w").Values() {
				store.Get("w").Values()[ii] = 0
			}
			if err = handler.Load(1); err != nil {
				done <- err
				return
			}
			want := [][]float32{{10, 20}, {30, 40}}[rank]
			assert.Equal(t, want, store.Get("w").Values(), "rank %d", rank)
			done <- nil
		}(rank)
	}
	for ii := 0; ii < 2; ii++ {
		require.NoError(t, <-done)
	}
}

func TestLatestStepRequiresAllStages(t *testing.T) {
	// A save torn between stage writers (crash after stage 0's rename,
	// before stage 1's) must not be restorable: if each stage picked its
	// own newest file the stages would silently restore different steps.
	m := must.M1(mesh.Build(2, 2, 1, 1))
	w := comms.NewWorld(2, 5*time.Second)
	dir := t.TempDir()

	handlers := make([]*Handler, 2)
	for rank := 0; rank < 2; rank++ {
		store := params.NewStore(m, w.Context(rank))
		store.Shard("w", params.Replicated, []float32{1, 2})
		handler, err := Build(m, w.Context(rank), store).Dir(dir).Done()
		require.NoError(t, err)
		handlers[rank] = handler
		require.NoError(t, handler.Save(1))
		require.NoError(t, handler.Save(2))
	}
	require.Equal(t, 2, handlers[0].LatestStep())
	require.Equal(t, 2, handlers[1].LatestStep())

	// Drop stage 1's file of step 2, as a crash mid-save would.
	require.NoError(t, os.Remove(filepath.Join(dir, "step-00000002", "stage-01.ckpt")))
	assert.Equal(t, 1, handlers[0].LatestStep())
	assert.Equal(t, 1, handlers[1].LatestStep())
}

func TestDirRequired(t *testing.T) {
	m, comm, store := singleRankFixture(t)
	_, err := Build(m, comm, store).Done()
	require.Error(t, err)
}
