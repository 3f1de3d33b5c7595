// Package blocks organizes cataloged exposures into observation blocks: one
// block per contiguous observing sequence on one target, mode, and band.
package blocks

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/security"
)

// DefaultGap is the largest pause between consecutive exposures that still
// counts as the same observing sequence.
const DefaultGap = 4 * time.Hour

// Organize groups exposures into observation blocks. Exposures are sorted by
// (target, mode, band, time); a new block starts whenever the gap to the
// previous exposure in the same group exceeds the threshold. The input slice
// is not modified, and identical inputs in any order produce identical
// blocks.
func Organize(exposures []obs.Exposure, gap time.Duration) []obs.ObservationBlock {
	if gap <= 0 {
		gap = DefaultGap
	}
	if len(exposures) == 0 {
		return nil
	}

	sorted := make([]obs.Exposure, len(exposures))
	copy(sorted, exposures)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Mode != b.Mode {
			return a.Mode < b.Mode
		}
		if a.Band != b.Band {
			return a.Band < b.Band
		}
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.File < b.File
	})

	var out []obs.ObservationBlock
	seen := make(map[string]int)

	flush := func(group []obs.Exposure) {
		if len(group) == 0 {
			return
		}
		first := group[0]
		b := obs.ObservationBlock{
			Target:    first.Target,
			Mode:      first.Mode,
			Band:      first.Band,
			Exposures: group,
		}
		b.ID = blockID(b, seen)
		out = append(out, b)
	}

	var group []obs.Exposure
	for _, e := range sorted {
		if len(group) > 0 {
			prev := group[len(group)-1]
			if e.Key() != prev.Key() || e.Time.Sub(prev.Time) > gap {
				flush(group)
				group = nil
			}
		}
		group = append(group, e)
	}
	flush(group)

	science, calibrators := Partition(out)
	monitoring.Logf("[blocks] organized %d exposures into %d blocks (%d science, %d calibrator)",
		len(exposures), len(out), len(science), len(calibrators))
	return out
}

// Partition splits blocks by role, preserving order.
func Partition(all []obs.ObservationBlock) (science, calibrators []obs.ObservationBlock) {
	for _, b := range all {
		if b.Role() == obs.RoleScience {
			science = append(science, b)
		} else {
			calibrators = append(calibrators, b)
		}
	}
	return science, calibrators
}

// blockID derives a stable, filesystem-safe identifier from the block's key
// and start time, so re-running the same raw set names the same blocks.
// Distinct targets that slug identically get a numeric suffix.
func blockID(b obs.ObservationBlock, seen map[string]int) string {
	slug := strings.ToLower(security.SafeComponent(b.Target))
	id := fmt.Sprintf("%s_%s_%s_%s", slug, b.Mode, b.Band,
		b.Start().UTC().Format("20060102T150405"))
	seen[id]++
	if n := seen[id]; n > 1 {
		return fmt.Sprintf("%s-%d", id, n)
	}
	return id
}
