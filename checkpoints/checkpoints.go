// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and restores the sharded model of a training
// run.
//
// Layout: one directory per saved step, holding one file per pipeline
// stage with the stage's full (unsharded) parameters. Saving is a
// collective: every rank materializes each parameter so the data group
// stays in lock-step, but only one rank per stage writes the file.
// Restoring needs no collectives, every rank reads its stage file and
// slices out its own shard.
//
// The payload is float32 by default; Float16 halves the file size at
// reduced precision, following the mixed-precision convention of most
// training setups.
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/params"
	"github.com/meshtrain/meshtrain/train"
	"github.com/meshtrain/meshtrain/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config is built with Build and configured with the various methods.
// Once finished, call Done and it yields the Handler.
type Config struct {
	store *params.Store
	m     *mesh.Mesh
	comm  comms.Context

	dir     string
	keep    int
	float16 bool
	err     error
}

// Build starts the configuration of a checkpoint Handler for one rank's
// store. Configure with Dir (required), Keep, Float16, then call Done.
func Build(m *mesh.Mesh, comm comms.Context, store *params.Store) *Config {
	return &Config{store: store, m: m, comm: comm, keep: -1}
}

// Dir sets the root directory holding the run's checkpoints. It is
// created if missing.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// Keep configures the number of checkpoints to keep; older ones are
// erased after each save. -1 (the default) never erases.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Float16 stores parameter payloads in half precision.
func (c *Config) Float16() *Config {
	c.float16 = true
	return c
}

// Done builds the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints: Dir is required")
	}
	if err := os.MkdirAll(c.dir, 0o777); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint dir %q", c.dir)
	}
	rank := c.comm.Rank()
	coord := c.m.Coordinate(rank)
	dataGroup := c.m.DataGroup(rank)
	tensorGroup := c.m.TensorGroup(rank)
	return &Handler{
		store:       c.store,
		comm:        c.comm,
		dir:         c.dir,
		keep:        c.keep,
		f16:         c.float16,
		stage:       coord.Stage,
		stages:      c.m.Stages(),
		dataGroup:   dataGroup,
		tensorGroup: tensorGroup,
		writer:      dataGroup.Index(rank) == 0 && tensorGroup.Index(rank) == 0,
		runID:       uuid.NewString(),
	}, nil
}

// Handler saves and restores checkpoints for one rank.
type Handler struct {
	store *params.Store
	comm  comms.Context
	dir   string
	keep  int
	f16   bool

	stage       int
	stages      int
	dataGroup   mesh.Group
	tensorGroup mesh.Group
	writer      bool // One writer per stage.
	runID       string
}

// manifest is the JSON header of a stage file.
type manifest struct {
	RunID   string          `json:"run_id"`
	Step    int             `json:"step"`
	Stage   int             `json:"stage"`
	Float16 bool            `json:"float16"`
	SavedAt time.Time       `json:"saved_at"`
	Params  []manifestParam `json:"params"`
}

type manifestParam struct {
	Name     string `json:"name"`
	Length   int    `json:"length"`
	Strategy string `json:"strategy"`
}

// RunID identifies this handler's run in saved manifests.
func (h *Handler) RunID() string { return h.runID }

func (h *Handler) stepDir(step int) string {
	return filepath.Join(h.dir, fmt.Sprintf("step-%08d", step))
}

func (h *Handler) stageFile(step int) string {
	return h.stageFileFor(step, h.stage)
}

func (h *Handler) stageFileFor(step, stage int) string {
	return filepath.Join(h.stepDir(step), fmt.Sprintf("stage-%02d.ckpt", stage))
}

// Save writes the checkpoint for the given global step. Collective over
// the data group: every rank of the stage must call it in lock-step.
func (h *Handler) Save(step int) error {
	var names []string
	h.store.Enumerate(func(sh *params.Shard) { names = append(names, sh.Name()) })

	man := manifest{
		RunID:   h.runID,
		Step:    step,
		Stage:   h.stage,
		Float16: h.f16,
		SavedAt: time.Now().UTC(),
	}
	var payload []byte
	for _, name := range names {
		full, release, err := h.store.Materialize(name)
		if err != nil {
			return errors.WithMessagef(err, "checkpointing %q", name)
		}
		if h.writer {
			man.Params = append(man.Params, manifestParam{
				Name:     name,
				Length:   full.Size(),
				Strategy: h.store.Get(name).Strategy().String(),
			})
			payload = appendPayload(payload, full.Flat(), h.f16)
		}
		release()
	}
	if h.writer {
		if err := os.MkdirAll(h.stepDir(step), 0o777); err != nil {
			return errors.Wrap(err, "creating checkpoint step dir")
		}
		if err := h.writeStageFile(step, man, payload); err != nil {
			return err
		}
		if err := h.prune(); err != nil {
			return err
		}
		klog.V(1).Infof("checkpoints: saved step %d stage %d (%d parameters)", step, h.stage, len(man.Params))
	}
	// Peers must not read (or save the next step) before the file is
	// complete: barrier the data axis, then the tensor axis, which
	// transitively orders every rank of the stage after the writer.
	if err := h.comm.Barrier(h.dataGroup); err != nil {
		return errors.WithMessage(err, "checkpoint barrier (data)")
	}
	return errors.WithMessage(h.comm.Barrier(h.tensorGroup), "checkpoint barrier (tensor)")
}

func (h *Handler) writeStageFile(step int, man manifest, payload []byte) error {
	tmp := h.stageFile(step) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating checkpoint file")
	}
	enc := json.NewEncoder(f)
	if err = enc.Encode(man); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing checkpoint manifest")
	}
	if _, err = f.Write(payload); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing checkpoint payload")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "closing checkpoint file")
	}
	// Rename last so readers never observe a partial file.
	return errors.Wrap(os.Rename(tmp, h.stageFile(step)), "finishing checkpoint file")
}

func appendPayload(payload []byte, values []float32, f16 bool) []byte {
	if f16 {
		for _, bits := range tensors.ToFloat16(values) {
			payload = binary.LittleEndian.AppendUint16(payload, bits)
		}
		return payload
	}
	for _, v := range values {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	return payload
}

// LatestStep returns the newest step restorable by every stage, or -1
// when none exists. A step counts only when all of its per-stage files
// are present: a save interrupted between stage writers leaves a step
// some stages could restore and others could not, and ranks restoring
// different steps would permanently diverge on parameters tied across
// stages. Every rank scans the same directory, so all ranks agree.
func (h *Handler) LatestStep() int {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return -1
	}
	latest := -1
	for _, entry := range entries {
		var step int
		if _, err := fmt.Sscanf(entry.Name(), "step-%d", &step); err != nil {
			continue
		}
		if step > latest && h.allStagesPresent(step) {
			latest = step
		}
	}
	return latest
}

func (h *Handler) allStagesPresent(step int) bool {
	for stage := 0; stage < h.stages; stage++ {
		if _, err := os.Stat(h.stageFileFor(step, stage)); err != nil {
			return false
		}
	}
	return true
}

// Load restores the given step's parameters into this rank's shards.
// Every rank loads independently; no collectives run.
func (h *Handler) Load(step int) error {
	f, err := os.Open(h.stageFile(step))
	if err != nil {
		return errors.Wrap(err, "opening checkpoint file")
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var man manifest
	if err = dec.Decode(&man); err != nil {
		return errors.Wrap(err, "reading checkpoint manifest")
	}
	if man.Stage != h.stage {
		return errors.Errorf("checkpoint file holds stage %d, expected %d", man.Stage, h.stage)
	}
	// The decoder buffers past the manifest newline; continue from there.
	payload, err := io.ReadAll(io.MultiReader(dec.Buffered(), f))
	if err != nil {
		return errors.Wrap(err, "reading checkpoint payload")
	}
	if len(payload) > 0 && payload[0] == '\n' {
		payload = payload[1:]
	}

	offset := 0
	for _, p := range man.Params {
		values, next, err := readPayload(payload, offset, p.Length, man.Float16)
		if err != nil {
			return errors.WithMessagef(err, "parameter %q", p.Name)
		}
		offset = next
		if !h.store.Has(p.Name) {
			return errors.Errorf("checkpoint holds unknown parameter %q", p.Name)
		}
		if err = h.store.Get(p.Name).LoadFrom(values); err != nil {
			return err
		}
	}
	klog.V(1).Infof("checkpoints: restored step %d stage %d (%d parameters)", step, h.stage, len(man.Params))
	return nil
}

func readPayload(payload []byte, offset, length int, f16 bool) ([]float32, int, error) {
	width := 4
	if f16 {
		width = 2
	}
	end := offset + length*width
	if end > len(payload) {
		return nil, 0, errors.Errorf("checkpoint payload truncated: need %d bytes, have %d", end, len(payload))
	}
	if f16 {
		packed := make([]uint16, length)
		for ii := range packed {
			packed[ii] = binary.LittleEndian.Uint16(payload[offset+2*ii:])
		}
		return tensors.FromFloat16(packed), end, nil
	}
	values := make([]float32, length)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(payload[offset+4*ii:]))
	}
	return values, end, nil
}

// prune erases the oldest checkpoints beyond the Keep budget.
func (h *Handler) prune() error {
	if h.keep < 0 {
		return nil
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return errors.Wrap(err, "listing checkpoints")
	}
	var steps []int
	for _, entry := range entries {
		var step int
		if _, err := fmt.Sscanf(entry.Name(), "step-%d", &step); err == nil {
			steps = append(steps, step)
		}
	}
	sort.Ints(steps)
	for len(steps) > h.keep {
		if err := os.RemoveAll(h.stepDir(steps[0])); err != nil {
			return errors.Wrap(err, "pruning checkpoint")
		}
		steps = steps[1:]
	}
	return nil
}

// AttachToLoop saves a checkpoint every n steps (and on the last step of
// the run).
func (h *Handler) AttachToLoop(loop *train.Loop, n int) {
	train.EveryNSteps(loop, n, "meshtrain.checkpoints", 200,
		func(loop *train.Loop, metrics train.StepMetrics) error {
			return h.Save(loop.Trainer.GlobalStep())
		})
}
