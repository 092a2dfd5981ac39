// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh describes the logical arrangement of processes into
// pipeline stages × tensor-parallel ranks × data-parallel replicas.
//
// The mesh is pure data: given a process's global rank it deterministically
// computes its Coordinate and the rank sets of the three collective groups
// it participates in. Group formation on the wire is the communicator's
// job (package comms), not the mesh's.
//
// Rank layout: tensor rank varies fastest, then data rank, then pipeline
// stage:
//
//	rank = stage·(T·D) + dataRank·T + tensorRank
package mesh

import (
	"fmt"

	"github.com/meshtrain/meshtrain/faults"
	"k8s.io/klog/v2"
)

// Coordinate locates one process in the device mesh.
// It is unique per process.
type Coordinate struct {
	Stage      int // Pipeline stage, in [0, Stages).
	TensorRank int // Position within the tensor-parallel group.
	DataRank   int // Position within the data-parallel group.
}

// String implements fmt.Stringer.
func (c Coordinate) String() string {
	return fmt.Sprintf("(stage=%d, tensor=%d, data=%d)", c.Stage, c.TensorRank, c.DataRank)
}

// Group is an ordered set of global ranks that execute collectives
// together. Label identifies the group across all member processes -- the
// communicator uses it as the rendezvous key.
type Group struct {
	Label string
	Ranks []int
}

// Size returns the number of member ranks.
func (g Group) Size() int { return len(g.Ranks) }

// Index returns the position of rank within the group, or -1 if rank is
// not a member.
func (g Group) Index(rank int) int {
	for ii, r := range g.Ranks {
		if r == rank {
			return ii
		}
	}
	return -1
}

// Mesh is the logical stages × tensorDegree × dataDegree arrangement of
// worldSize processes.
type Mesh struct {
	worldSize    int
	stages       int
	tensorDegree int
	dataDegree   int
}

// Build validates and creates a Mesh. It fails with a ConfigurationError
// if stages·tensorDegree·dataDegree does not equal worldSize, or any
// degree is not positive.
func Build(worldSize, stages, tensorDegree, dataDegree int) (*Mesh, error) {
	if stages < 1 || tensorDegree < 1 || dataDegree < 1 {
		return nil, faults.Configurationf(
			"mesh degrees must be positive, got stages=%d, tensor=%d, data=%d",
			stages, tensorDegree, dataDegree)
	}
	if stages*tensorDegree*dataDegree != worldSize {
		return nil, faults.Configurationf(
			"mesh %d×%d×%d requires %d processes, world size is %d",
			stages, tensorDegree, dataDegree, stages*tensorDegree*dataDegree, worldSize)
	}
	m := &Mesh{
		worldSize:    worldSize,
		stages:       stages,
		tensorDegree: tensorDegree,
		dataDegree:   dataDegree,
	}
	klog.V(1).Infof("mesh: %d processes as %d stage(s) × %d tensor × %d data",
		worldSize, stages, tensorDegree, dataDegree)
	return m, nil
}

// WorldSize returns the total number of processes.
func (m *Mesh) WorldSize() int { return m.worldSize }

// Stages returns the number of pipeline stages.
func (m *Mesh) Stages() int { return m.stages }

// TensorDegree returns the tensor-parallel group size.
func (m *Mesh) TensorDegree() int { return m.tensorDegree }

// DataDegree returns the data-parallel group size.
func (m *Mesh) DataDegree() int { return m.dataDegree }

// Coordinate computes the mesh coordinate of a global rank.
func (m *Mesh) Coordinate(rank int) Coordinate {
	m.assertRank(rank)
	perStage := m.tensorDegree * m.dataDegree
	return Coordinate{
		Stage:      rank / perStage,
		DataRank:   (rank % perStage) / m.tensorDegree,
		TensorRank: rank % m.tensorDegree,
	}
}

// Rank is the inverse of Coordinate.
func (m *Mesh) Rank(c Coordinate) int {
	return c.Stage*m.tensorDegree*m.dataDegree + c.DataRank*m.tensorDegree + c.TensorRank
}

// TensorGroup returns the tensor-parallel siblings of rank: all ranks with
// the same stage and data rank.
func (m *Mesh) TensorGroup(rank int) Group {
	c := m.Coordinate(rank)
	g := Group{Label: fmt.Sprintf("tensor/s%d-d%d", c.Stage, c.DataRank)}
	for t := 0; t < m.tensorDegree; t++ {
		g.Ranks = append(g.Ranks, m.Rank(Coordinate{Stage: c.Stage, DataRank: c.DataRank, TensorRank: t}))
	}
	return g
}

// DataGroup returns the data-parallel siblings of rank: all ranks with the
// same stage and tensor rank.
func (m *Mesh) DataGroup(rank int) Group {
	c := m.Coordinate(rank)
	g := Group{Label: fmt.Sprintf("data/s%d-t%d", c.Stage, c.TensorRank)}
	for d := 0; d < m.dataDegree; d++ {
		g.Ranks = append(g.Ranks, m.Rank(Coordinate{Stage: c.Stage, DataRank: d, TensorRank: c.TensorRank}))
	}
	return g
}

// PipelineGroup returns the pipeline-adjacent chain of rank: all ranks with
// the same tensor and data rank, ordered by stage.
func (m *Mesh) PipelineGroup(rank int) Group {
	c := m.Coordinate(rank)
	g := Group{Label: fmt.Sprintf("pipe/t%d-d%d", c.TensorRank, c.DataRank)}
	for s := 0; s < m.stages; s++ {
		g.Ranks = append(g.Ranks, m.Rank(Coordinate{Stage: s, DataRank: c.DataRank, TensorRank: c.TensorRank}))
	}
	return g
}

// BoundaryGroup returns the pair of first-stage and last-stage ranks
// sharing rank's tensor and data position. Parameters tied across the
// pipeline boundary (e.g. embedding and head) are reduced over this group.
// With a single stage the group has one member.
func (m *Mesh) BoundaryGroup(rank int) Group {
	c := m.Coordinate(rank)
	g := Group{Label: fmt.Sprintf("boundary/t%d-d%d", c.TensorRank, c.DataRank)}
	g.Ranks = append(g.Ranks, m.Rank(Coordinate{Stage: 0, DataRank: c.DataRank, TensorRank: c.TensorRank}))
	if m.stages > 1 {
		g.Ranks = append(g.Ranks, m.Rank(Coordinate{Stage: m.stages - 1, DataRank: c.DataRank, TensorRank: c.TensorRank}))
	}
	return g
}

// PrevStageRank returns the rank of the same tensor/data position one
// pipeline stage earlier, or -1 for the first stage.
func (m *Mesh) PrevStageRank(rank int) int {
	c := m.Coordinate(rank)
	if c.Stage == 0 {
		return -1
	}
	c.Stage--
	return m.Rank(c)
}

// NextStageRank returns the rank of the same tensor/data position one
// pipeline stage later, or -1 for the last stage.
func (m *Mesh) NextStageRank(rank int) int {
	c := m.Coordinate(rank)
	if c.Stage == m.stages-1 {
		return -1
	}
	c.Stage++
	return m.Rank(c)
}

func (m *Mesh) assertRank(rank int) {
	if rank < 0 || rank >= m.worldSize {
		panic(faults.Configurationf("rank %d out of range for world size %d", rank, m.worldSize))
	}
}
