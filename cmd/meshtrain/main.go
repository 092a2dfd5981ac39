// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// meshtrain runs a demonstration training job over an in-process mesh:
// every rank is a goroutine, the collective transport is channel-based,
// and the model is a small deterministic stack of scale layers. It
// exercises the full step orchestration -- 1F1B pipeline, two-axis
// gradient reduction, fused optimizer updates and checkpointing.
//
// Example:
//
//	meshtrain -stages=2 -data=2 -steps=200 -lr=0.01 -checkpoint=/tmp/run1
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/meshtrain/meshtrain/checkpoints"
	"github.com/meshtrain/meshtrain/comms"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/model"
	"github.com/meshtrain/meshtrain/optimizers"
	"github.com/meshtrain/meshtrain/params"
	"github.com/meshtrain/meshtrain/train"
	"github.com/meshtrain/meshtrain/train/commandline"
	"github.com/meshtrain/meshtrain/types/xsync"
	"k8s.io/klog/v2"
)

var (
	flagStages       = flag.Int("stages", 2, "Pipeline stages.")
	flagTensor       = flag.Int("tensor", 1, "Tensor-parallel degree.")
	flagData         = flag.Int("data", 2, "Data-parallel (ZeRO) degree.")
	flagMicrobatches = flag.Int("microbatches", 4, "Microbatches per training step.")
	flagSteps        = flag.Int("steps", 100, "Training steps to run.")
	flagWidth        = flag.Int("width", 64, "Stack width (values per activation).")
	flagLayers       = flag.Int("layers", 2, "Layers per pipeline stage.")

	flagLearningRate = flag.Float64("lr", 0.01, "Learning rate.")
	flagMomentum     = flag.Float64("momentum", 0.9, "Momentum; 0 selects plain SGD.")
	flagWeightDecay  = flag.Float64("weight_decay", 0, "Decoupled weight decay.")
	flagTimeout      = flag.Duration("timeout", comms.DefaultTimeout, "Collective timeout.")

	flagCheckpoint      = flag.String("checkpoint", "", "Checkpoint directory; empty disables checkpointing.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 50, "Save a checkpoint every this many steps.")
	flagCheckpointKeep  = flag.Int("checkpoint_keep", 3, "Checkpoints to keep; -1 keeps all.")
	flagFloat16         = flag.Bool("f16", false, "Store checkpoint payloads in half precision.")
	flagSeed            = flag.Int64("seed", 42, "Seed of the synthetic dataset.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	plan := train.Plan{
		PipelineStages:      *flagStages,
		TensorParallel:      *flagTensor,
		DataParallel:        *flagData,
		MicrobatchesPerStep: *flagMicrobatches,
		LearningRate:        float32(*flagLearningRate),
		Momentum:            float32(*flagMomentum),
		WeightDecay:         float32(*flagWeightDecay),
		CollectiveTimeout:   *flagTimeout,
	}
	m, err := plan.BuildMesh()
	if err != nil {
		fatal(err)
	}
	world := comms.NewWorld(m.WorldSize(), plan.Timeout())
	klog.Infof("meshtrain: world of %d rank(s): %d stage(s) × %d tensor × %d data",
		m.WorldSize(), plan.PipelineStages, plan.TensorParallel, plan.DataParallel)

	// First fatal error wins; later ones are PeerFailure echoes of it.
	abort := xsync.NewErrLatch()
	var wg sync.WaitGroup
	for rank := 0; rank < m.WorldSize(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := runRank(plan, m, world, rank); err != nil {
				fmt.Fprintf(os.Stderr, "rank %d failed: %s (%s)\n", rank, err, faults.KindOf(err))
				abort.TriggerWithError(err)
				// Unblock peers waiting on this rank's collectives; they
				// fail with PeerFailure instead of hanging to timeout.
				world.Kill(rank)
			}
		}(rank)
	}
	wg.Wait()

	if err := abort.Err(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "meshtrain: %s (%s)\n", err, faults.KindOf(err))
	os.Exit(1)
}

// runRank is one rank's whole life: build the model slice, restore the
// latest checkpoint if any, train, save.
func runRank(plan train.Plan, m *mesh.Mesh, world *comms.World, rank int) error {
	comm := world.Context(rank)
	coord := m.Coordinate(rank)
	store := params.NewStore(m, comm)

	layers := make([]model.LayerSpec, 0, *flagLayers+1)
	for li := 0; li < *flagLayers; li++ {
		strategy := params.Replicated
		if plan.TensorParallel > 1 && li%2 == 1 {
			strategy = params.TensorSplitColumn
		}
		layers = append(layers, model.LayerSpec{
			Name:     fmt.Sprintf("stage%02d/layer%02d/scale", coord.Stage, li),
			Width:    *flagWidth,
			Strategy: strategy,
		})
	}
	// Embedding/head tying: the boundary stages share one parameter whose
	// gradient is summed across the first/last pair.
	onBoundary := coord.Stage == 0 || coord.Stage == plan.PipelineStages-1
	if plan.PipelineStages >= 2 && onBoundary {
		layers = append(layers, model.LayerSpec{
			Name:     "tied/scale",
			Width:    *flagWidth,
			Strategy: params.PipelineBoundary,
		})
	}
	stack := model.NewStack(store, *flagWidth, layers, func(layer, ii int) float32 {
		// Near-identity init keeps the deep product stable.
		return 1.0 + 0.01*float32((layer+ii)%7)
	})
	if coord.TensorRank == 0 && coord.DataRank == 0 {
		names := make([]string, len(layers))
		for li, ls := range layers {
			names[li] = fmt.Sprintf("%s(%s)", ls.Name, ls.Strategy)
		}
		klog.Infof("meshtrain: stage %d builds %v", coord.Stage, names)
	}
	if rank == 0 {
		klog.Infof("meshtrain: %s", store.FootprintReport())
	}

	opt := optimizers.Sgd().
		LearningRate(plan.LearningRate).
		Momentum(plan.Momentum).
		WeightDecay(plan.WeightDecay).
		Done()
	trainer, err := train.NewTrainer(plan, m, comm, store, stack, opt)
	if err != nil {
		return err
	}
	loop := train.NewLoop(trainer)
	if rank == 0 {
		commandline.AttachProgressBar(loop)
	}

	if *flagCheckpoint != "" {
		builder := checkpoints.Build(m, comm, store).
			Dir(*flagCheckpoint).
			Keep(*flagCheckpointKeep)
		if *flagFloat16 {
			builder.Float16()
		}
		handler, err := builder.Done()
		if err != nil {
			return err
		}
		if latest := handler.LatestStep(); latest >= 0 {
			if err = handler.Load(latest); err != nil {
				return err
			}
			klog.Infof("meshtrain: rank %d restored checkpoint at step %d", rank, latest)
		}
		handler.AttachToLoop(loop, *flagCheckpointEvery)
	}

	ds := syntheticDataset(m, rank, *flagWidth, plan.MicrobatchesPerStep, *flagSeed)
	_, err = loop.RunSteps(ds, *flagSteps)
	return err
}

// syntheticDataset yields deterministic pseudo-random regression batches.
// Replicas draw from streams seeded by their data rank, so the data axis
// sees distinct samples while reruns are reproducible.
func syntheticDataset(m *mesh.Mesh, rank, width, microbatches int, seed int64) train.Dataset {
	dataIndex := m.DataGroup(rank).Index(rank)
	rng := rand.New(rand.NewSource(seed + int64(dataIndex)))
	steps := make([][]*model.Microbatch, 16)
	for si := range steps {
		mbs := make([]*model.Microbatch, microbatches)
		for mi := range mbs {
			input := make([]float32, width)
			target := make([]float32, width)
			for ii := range input {
				input[ii] = rng.Float32()*2 - 1
				target[ii] = input[ii] * 0.5 // Learn to halve.
			}
			mbs[mi] = &model.Microbatch{Index: mi, Input: input, Target: target}
		}
		steps[si] = mbs
	}
	return train.NewSliceDataset(steps...)
}
