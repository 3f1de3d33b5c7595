// Package report aggregates per-block stage results into the run report
// operators and re-run tooling consume. The report is the only place a
// block's fate is visible after a batch: every block appears exactly once,
// with its terminal state, its stage history, and the reason it failed if
// it did.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/helikon-data/fringeline/internal/catalog"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/match"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/pipeline"
	"github.com/helikon-data/fringeline/internal/product"
)

// BlockReport is one block's entry in the run report.
type BlockReport struct {
	BlockID          string                 `json:"block_id"`
	Target           string                 `json:"target"`
	Role             obs.Role               `json:"role"`
	Mode             obs.Mode               `json:"mode"`
	Band             obs.Band               `json:"band"`
	Exposures        int                    `json:"exposures"`
	State            pipeline.State         `json:"state"`
	Usable           bool                   `json:"usable"`
	Calibrator       string                 `json:"calibrator,omitempty"`
	AssignmentReason match.Reason           `json:"assignment_reason,omitempty"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	Product          product.Ref            `json:"product,omitempty"`
	Stages           []pipeline.StageResult `json:"stages"`
}

// Summary is the roll-up consumers check first.
type Summary struct {
	Total        int                    `json:"total"`
	Usable       int                    `json:"usable"`
	ByState      map[pipeline.State]int `json:"by_state"`
	FailedBlocks []string               `json:"failed_blocks,omitempty"`
	SkippedFiles int                    `json:"skipped_files"`
}

// RunReport is the complete record of one batch.
type RunReport struct {
	RunID        string            `json:"run_id"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Blocks       []BlockReport     `json:"blocks"`
	SkippedFiles []catalog.Skipped `json:"skipped_files,omitempty"`
	Summary      Summary           `json:"summary"`
}

// Build assembles the report for one batch. skipped lists raw files the
// catalog could not use; they are carried so nothing disappears silently.
func Build(runID string, runs []pipeline.BlockRun, skipped []catalog.Skipped, started, finished time.Time) *RunReport {
	r := &RunReport{
		RunID:        runID,
		StartedAt:    started,
		FinishedAt:   finished,
		SkippedFiles: skipped,
		Summary: Summary{
			Total:        len(runs),
			ByState:      make(map[pipeline.State]int),
			SkippedFiles: len(skipped),
		},
	}

	for i := range runs {
		br := &runs[i]
		entry := BlockReport{
			BlockID:       br.Block.ID,
			Target:        br.Block.Target,
			Role:          br.Role,
			Mode:          br.Block.Mode,
			Band:          br.Block.Band,
			Exposures:     len(br.Block.Exposures),
			State:         br.State,
			Usable:        br.Usable(),
			FailureReason: br.FailureReason(),
			Stages:        br.Results,
			Product:       finalProduct(br),
		}
		if br.Role == obs.RoleScience {
			entry.Calibrator = br.Assignment.CalibratorID
			entry.AssignmentReason = br.Assignment.Reason
		}
		r.Blocks = append(r.Blocks, entry)

		r.Summary.ByState[br.State]++
		if entry.Usable {
			r.Summary.Usable++
		}
		if br.State == pipeline.StateFailed {
			r.Summary.FailedBlocks = append(r.Summary.FailedBlocks, br.Block.ID)
		}
	}
	sort.Strings(r.Summary.FailedBlocks)
	return r
}

// finalProduct is the last successfully produced output, the block's best
// usable artifact.
func finalProduct(br *pipeline.BlockRun) product.Ref {
	var ref product.Ref
	for _, res := range br.Results {
		if res.Status == pipeline.StatusSuccess && !res.Output.IsZero() {
			ref = res.Output
		}
	}
	return ref
}

// Failed reports whether the batch as a whole failed: no block reached a
// usable terminal state. Individual block failures never fail the batch on
// their own.
func (r *RunReport) Failed() bool {
	return r.Summary.Usable == 0
}

// WriteJSON writes the machine-readable report.
func (r *RunReport) WriteJSON(fsys fsutil.FileSystem, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	if err := fsys.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing run report %s: %w", path, err)
	}
	return nil
}

// stateOrder fixes the rendering order of terminal states.
var stateOrder = []pipeline.State{
	pipeline.StateAveraged,
	pipeline.StateMerged,
	pipeline.StateCalibrated,
	pipeline.StateReduced,
	pipeline.StateRaw,
	pipeline.StateFailed,
}

// RenderText writes the human-readable summary.
func (r *RunReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "run %s  %s .. %s (%s)\n",
		r.RunID,
		r.StartedAt.UTC().Format(time.RFC3339),
		r.FinishedAt.UTC().Format(time.RFC3339),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	fmt.Fprintf(w, "blocks: %d total, %d usable", r.Summary.Total, r.Summary.Usable)
	for _, st := range stateOrder {
		if n := r.Summary.ByState[st]; n > 0 {
			fmt.Fprintf(w, ", %d %s", n, st)
		}
	}
	fmt.Fprintln(w)

	if len(r.Blocks) > 0 {
		fmt.Fprintf(w, "\n%-44s %-10s %-10s %s\n", "BLOCK", "ROLE", "STATE", "CALIBRATOR")
		for _, b := range r.Blocks {
			cal := b.Calibrator
			if cal == "" && b.Role == obs.RoleScience {
				cal = "- (" + string(b.AssignmentReason) + ")"
			}
			fmt.Fprintf(w, "%-44s %-10s %-10s %s\n", b.BlockID, b.Role, b.State, cal)
		}
	}

	if len(r.Summary.FailedBlocks) > 0 {
		fmt.Fprintf(w, "\nfailed blocks:\n")
		for _, id := range r.Summary.FailedBlocks {
			for _, b := range r.Blocks {
				if b.BlockID == id {
					fmt.Fprintf(w, "  %s: %s\n", id, b.FailureReason)
				}
			}
		}
	}

	if r.Summary.SkippedFiles > 0 {
		fmt.Fprintf(w, "\nskipped raw files: %d\n", r.Summary.SkippedFiles)
		for _, s := range r.SkippedFiles {
			fmt.Fprintf(w, "  %s: %s\n", s.File, s.Reason)
		}
	}

	if r.Failed() {
		fmt.Fprintf(w, "\nRUN FAILED: no block reached a usable state\n")
	}
}
