// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dataOnlyMesh builds a 1×1×degree mesh with its in-process world.
func dataOnlyMesh(t *testing.T, degree int) (*mesh.Mesh, *comms.World) {
	t.Helper()
	m := must.M1(mesh.Build(degree, 1, 1, degree))
	return m, comms.NewWorld(degree, time.Second)
}

func fullParam(n int) []float32 {
	full := make([]float32, n)
	for ii := range full {
		full[ii] = float32(ii)
	}
	return full
}

func TestShardingCompleteness(t *testing.T) {
	// For all parameter sizes and data degrees: shard lengths sum to the
	// full length, contiguously and without overlap.
	for _, degree := range []int{1, 2, 3, 4, 7} {
		for _, size := range []int{1, 2, 5, 16, 33, 100} {
			m := must.M1(mesh.Build(degree, 1, 1, degree))
			w := comms.NewWorld(degree, time.Second)
			covered := make([]int, size)
			for rank := 0; rank < degree; rank++ {
				store := NewStore(m, w.Context(rank))
				sh := store.Shard("w", Replicated, fullParam(size))
				if size < degree {
					require.True(t, sh.DataReplicated(), "size=%d degree=%d", size, degree)
					require.Equal(t, size, sh.Length())
					continue
				}
				require.False(t, sh.DataReplicated())
				for ii := sh.Offset(); ii < sh.Offset()+sh.Length(); ii++ {
					covered[ii]++
				}
				// Shard values match the full tensor slice.
				assert.Equal(t, fullParam(size)[sh.Offset():sh.Offset()+sh.Length()], sh.Values())
			}
			if size >= degree {
				for ii, c := range covered {
					require.Equal(t, 1, c, "element %d covered %d times (size=%d, degree=%d)", ii, c, size, degree)
				}
			}
		}
	}
}

func TestRemainderOnLastRank(t *testing.T) {
	m, w := dataOnlyMesh(t, 3)
	stores := make([]*Store, 3)
	for rank := range stores {
		stores[rank] = NewStore(m, w.Context(rank))
		stores[rank].Shard("w", Replicated, fullParam(10))
	}
	require.Equal(t, []int{3, 3, 4}, stores[0].Splits("w"))
	require.Equal(t, 3, stores[0].Get("w").Length())
	require.Equal(t, 4, stores[2].Get("w").Length())
	require.Equal(t, 6, stores[2].Get("w").Offset())
}

func TestDuplicateShardPanics(t *testing.T) {
	m, w := dataOnlyMesh(t, 1)
	store := NewStore(m, w.Context(0))
	store.Shard("w", Replicated, fullParam(4))
	require.Panics(t, func() { store.Shard("w", Replicated, fullParam(4)) })
	require.Panics(t, func() { store.Get("unknown") })
	require.Panics(t, func() { store.Shard("empty", Replicated, nil) })
}

func TestMaterializeAcrossRanks(t *testing.T) {
	m, w := dataOnlyMesh(t, 2)
	full := fullParam(5)

	var wg sync.WaitGroup
	results := make([][]float32, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			store := NewStore(m, w.Context(rank))
			store.Shard("w", Replicated, full)
			gathered, release, err := store.Materialize("w")
			if !assert.NoError(t, err) {
				return
			}
			results[rank] = append([]float32{}, gathered.Flat()...)
			release()
			store.AssertAllReleased()
			assert.Panics(t, func() { release() }) // Double release.
		}(rank)
	}
	wg.Wait()
	assert.Equal(t, full, results[0])
	assert.Equal(t, full, results[1])
}

func TestMaterializeReplicated(t *testing.T) {
	m, w := dataOnlyMesh(t, 4)
	store := NewStore(m, w.Context(1))
	store.Shard("bias", Replicated, []float32{1, 2}) // 2 < 4 → replicated.

	gathered, release, err := store.Materialize("bias")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2}, gathered.Flat())

	// Unreleased materialization is caught before synchronization.
	require.Panics(t, func() { store.AssertAllReleased() })
	release()
	store.AssertAllReleased()
}

func TestScatterUpdate(t *testing.T) {
	m, w := dataOnlyMesh(t, 2)
	store := NewStore(m, w.Context(1))
	store.Shard("w", Replicated, fullParam(5))

	piece, err := store.ScatterUpdate("w", []float32{10, 20, 30, 40, 50})
	require.NoError(t, err)
	// Rank 1 owns [2, 5) (remainder on last rank).
	require.Equal(t, []float32{30, 40, 50}, piece)

	_, err = store.ScatterUpdate("w", []float32{1, 2})
	require.Error(t, err)
}

func TestFootprintReport(t *testing.T) {
	m, w := dataOnlyMesh(t, 2)
	store := NewStore(m, w.Context(0))
	store.Shard("w", Replicated, fullParam(100))
	report := store.FootprintReport()
	assert.Contains(t, report, "1 parameters")
	assert.Contains(t, report, "2-way data split")
}
