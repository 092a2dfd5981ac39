// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline attaches terminal reporting to a training loop: a
// progress bar plus a small table of step statistics.
//
// Only rank 0 of a run should attach it; other ranks stay silent.
package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/meshtrain/meshtrain/train"
)

// ProgressBarName is the hook name used on the loop.
const ProgressBarName = "meshtrain.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// progressBar holds the progress bar and stats table being displayed.
type progressBar struct {
	writer io.Writer
	output *termenv.Output

	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	statsLines int
}

// AttachProgressBar creates a progress bar and attaches it to the loop's
// hooks. Output goes to stdout.
func AttachProgressBar(loop *train.Loop) {
	AttachProgressBarTo(loop, os.Stdout)
}

// AttachProgressBarTo is AttachProgressBar with an explicit writer, which
// tests use to capture the output.
func AttachProgressBarTo(loop *train.Loop, writer io.Writer) {
	pBar := &progressBar{
		writer: writer,
		output: termenv.NewOutput(writer),
	}
	loop.OnStart(ProgressBarName, 100, pBar.onStart)
	loop.OnStep(ProgressBarName, 100, pBar.onStep)
	loop.OnEnd(ProgressBarName, 100, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	var stepsMsg string
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
		stepsMsg = fmt.Sprintf(" (%d steps)", pBar.numSteps)
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training%s: ", stepsMsg)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.writer),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics train.StepMetrics) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // Current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	if err := pBar.bar.Add(amount); err != nil {
		return err
	}
	pBar.lastStepReported = loop.LoopStep + 1
	pBar.printStats(loop, metrics)
	return nil
}

// printStats renders the stats table below the bar, rewinding the cursor
// so the next step overwrites it in place.
func (pBar *progressBar) printStats(loop *train.Loop, metrics train.StepMetrics) {
	rows := [][]string{
		{"Step", fmt.Sprintf("%d / %d", loop.LoopStep+1, pBar.numSteps)},
		{"Loss", fmt.Sprintf("%.6g", metrics.Loss)},
		{"Median step", loop.MedianTrainStepDuration().Round(time.Microsecond).String()},
	}
	if len(metrics.SkippedShards) > 0 {
		rows = append(rows, []string{"Skipped", fmt.Sprintf("%d shard(s), non-finite", len(metrics.SkippedShards))})
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Rows(rows...)
	rendered := table.Render()
	lines := 1
	for _, b := range rendered {
		if b == '\n' {
			lines++
		}
	}
	// Print the table below the bar and rewind onto the bar's line, so
	// the next step redraws both in place.
	fmt.Fprintf(pBar.writer, "\n%s", rendered)
	pBar.output.CursorPrevLine(lines)
	pBar.statsLines = lines
}

func (pBar *progressBar) onEnd(loop *train.Loop, metrics train.StepMetrics) error {
	_ = pBar.bar.Finish()
	if pBar.statsLines > 0 {
		pBar.output.CursorNextLine(pBar.statsLines)
	}
	fmt.Fprintf(pBar.writer, "\n\nDone: %s steps, final loss %.6g\n",
		humanize.Comma(int64(loop.LoopStep-loop.StartStep)), metrics.Loss)
	return nil
}
