// Package average combines a block's per-exposure tables into one product.
// Merging stacks the tables onto a common wavelength grid and drops whole
// exposures that disagree grossly with the ensemble; averaging collapses
// the stack to a single spectrum with a sigma-clipped mean per channel.
package average

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/product"
)

// ErrMerge marks a merge or average failure. The sequencer retries the
// stage once with Relaxed parameters before recording it failed. Test with
// errors.Is.
var ErrMerge = errors.New("merge failure")

// Params tune outlier rejection and the confidence flag.
type Params struct {
	Sigma           float64 // clip threshold in standard deviations
	Iterations      int     // clip passes per channel
	MinContributors int     // below this the average is flagged low confidence
}

func (p Params) sigmaOrDefault() float64 {
	if p.Sigma <= 0 {
		return 3
	}
	return p.Sigma
}

func (p Params) iterationsOrDefault() int {
	if p.Iterations <= 0 {
		return 2
	}
	return p.Iterations
}

func (p Params) minContributorsOrDefault() int {
	if p.MinContributors <= 0 {
		return 3
	}
	return p.MinContributors
}

// Relaxed returns the retry parameters: a doubled clip threshold and a
// single pass keep marginal sequences usable after a strict-merge failure.
func (p Params) Relaxed() Params {
	p.Sigma = p.sigmaOrDefault() * 2
	p.Iterations = 1
	return p
}

// Merge combines one or more products for the same target, mode, and band
// into a single stacked product. Whole exposures whose median visibility
// sits far outside the ensemble are dropped; at least one exposure always
// survives. All failure modes wrap ErrMerge.
func Merge(sets []*product.Set, p Params) (*product.Set, error) {
	if len(sets) == 0 || sets[0] == nil {
		return nil, fmt.Errorf("nothing to merge: %w", ErrMerge)
	}
	first := sets[0]

	out := &product.Set{
		Version:    product.Version,
		BlockID:    first.BlockID,
		Kind:       product.KindMerged,
		Target:     first.Target,
		Mode:       first.Mode,
		Band:       first.Band,
		FluxMode:   first.FluxMode,
		Calibrated: true,
		CreatedAt:  first.CreatedAt,
	}

	var tabs []product.Table
	for _, s := range sets {
		if s == nil {
			return nil, fmt.Errorf("nil product in merge input: %w", ErrMerge)
		}
		if s.Target != first.Target || s.Mode != first.Mode || s.Band != first.Band {
			return nil, fmt.Errorf("cannot merge %s %s/%s with %s %s/%s: %w",
				first.Target, first.Mode, first.Band, s.Target, s.Mode, s.Band, ErrMerge)
		}
		out.Calibrated = out.Calibrated && s.Calibrated
		tabs = append(tabs, s.Tables...)
	}
	if len(tabs) == 0 {
		return nil, fmt.Errorf("no exposure tables to merge: %w", ErrMerge)
	}
	if err := checkGrids(tabs); err != nil {
		return nil, err
	}

	kept, dropped := rejectOutlierTables(tabs, p.sigmaOrDefault())
	if len(dropped) > 0 {
		monitoring.Logf("[average] block %s: dropped %d outlier exposure(s): %v", first.BlockID, len(dropped), dropped)
	}
	out.Tables = kept
	for _, t := range kept {
		out.Contributors = append(out.Contributors, t.Exposure)
	}
	return out, nil
}

// Average collapses a merged product to one table with a sigma-clipped mean
// per channel. A single-table input passes through unchanged in value. The
// result is flagged low confidence when fewer exposures contributed than
// the configured minimum.
func Average(merged *product.Set, p Params) (*product.Set, error) {
	if merged == nil || len(merged.Tables) == 0 {
		return nil, fmt.Errorf("nothing to average: %w", ErrMerge)
	}
	if err := checkGrids(merged.Tables); err != nil {
		return nil, err
	}

	tabs := merged.Tables
	n := tabs[0].Channels()
	avg := product.Table{
		Exposure:    "average",
		WavelengthM: append([]float64(nil), tabs[0].WavelengthM...),
		BaselineM:   meanBaseline(tabs),
		Vis2:        make([]float64, n),
		Vis2Err:     make([]float64, n),
		FluxJy:      make([]float64, n),
		FluxErr:     make([]float64, n),
	}

	sigma, iters := p.sigmaOrDefault(), p.iterationsOrDefault()
	for c := 0; c < n; c++ {
		v2 := make([]float64, len(tabs))
		v2e := make([]float64, len(tabs))
		fl := make([]float64, len(tabs))
		fle := make([]float64, len(tabs))
		for i, t := range tabs {
			v2[i], v2e[i] = t.Vis2[c], t.Vis2Err[c]
			fl[i], fle[i] = t.FluxJy[c], t.FluxErr[c]
		}
		avg.Vis2[c], avg.Vis2Err[c] = clippedMean(v2, v2e, sigma, iters)
		avg.FluxJy[c], avg.FluxErr[c] = clippedMean(fl, fle, sigma, iters)
	}

	out := &product.Set{
		Version:       product.Version,
		BlockID:       merged.BlockID,
		Kind:          product.KindAveraged,
		Target:        merged.Target,
		Mode:          merged.Mode,
		Band:          merged.Band,
		FluxMode:      merged.FluxMode,
		Calibrated:    merged.Calibrated,
		CreatedAt:     merged.CreatedAt,
		Tables:        []product.Table{avg},
		Contributors:  contributorsOf(merged),
		LowConfidence: len(tabs) < p.minContributorsOrDefault(),
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	return out, nil
}

func contributorsOf(s *product.Set) []string {
	if len(s.Contributors) > 0 {
		return append([]string(nil), s.Contributors...)
	}
	var names []string
	for _, t := range s.Tables {
		names = append(names, t.Exposure)
	}
	return names
}

// checkGrids verifies every table shares the first table's wavelength grid.
func checkGrids(tabs []product.Table) error {
	ref := tabs[0].WavelengthM
	for _, t := range tabs[1:] {
		if t.Channels() != len(ref) {
			return fmt.Errorf("exposure %s has %d channels, want %d: %w", t.Exposure, t.Channels(), len(ref), ErrMerge)
		}
		for c, lam := range t.WavelengthM {
			if math.Abs(lam-ref[c]) > 1e-6*ref[c] {
				return fmt.Errorf("exposure %s wavelength grid diverges at channel %d: %w", t.Exposure, c, ErrMerge)
			}
		}
	}
	return nil
}

// rejectOutlierTables drops whole exposures whose median visibility lies
// more than sigma scaled median-absolute-deviations from the ensemble
// median. With fewer than four exposures the deviation scale is dominated
// by whichever exposure happens to sit in the middle, so no judgment is
// made and everything is kept.
func rejectOutlierTables(tabs []product.Table, sigma float64) (kept []product.Table, dropped []string) {
	if len(tabs) < 4 {
		return tabs, nil
	}

	levels := make([]float64, len(tabs))
	for i, t := range tabs {
		levels[i] = median(t.Vis2)
	}
	med := median(levels)

	devs := make([]float64, len(levels))
	for i, l := range levels {
		devs[i] = math.Abs(l - med)
	}
	mad := median(devs)
	if mad == 0 {
		return tabs, nil
	}

	// 1.4826 scales the MAD to a Gaussian-equivalent standard deviation.
	limit := sigma * 1.4826 * mad
	for i, t := range tabs {
		if devs[i] > limit {
			dropped = append(dropped, t.Exposure)
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return tabs, nil
	}
	return kept, dropped
}

// clippedMean iteratively rejects values beyond sigma scaled
// median-absolute-deviations of the running median, then returns the mean
// of the survivors. The error is the larger of the propagated measurement
// error and the scatter of the surviving values.
func clippedMean(vals, errs []float64, sigma float64, iters int) (mean, meanErr float64) {
	keep := make([]int, len(vals))
	for i := range keep {
		keep[i] = i
	}

	for it := 0; it < iters && len(keep) >= 3; it++ {
		sub := pick(vals, keep)
		med := median(sub)
		devs := make([]float64, len(sub))
		for j, v := range sub {
			devs[j] = math.Abs(v - med)
		}
		mad := median(devs)
		if mad == 0 {
			break
		}
		limit := sigma * 1.4826 * mad
		var next []int
		for _, i := range keep {
			if math.Abs(vals[i]-med) <= limit {
				next = append(next, i)
			}
		}
		if len(next) == 0 || len(next) == len(keep) {
			break
		}
		keep = next
	}

	sub := pick(vals, keep)
	mean = stat.Mean(sub, nil)

	var sumSq float64
	for _, i := range keep {
		sumSq += errs[i] * errs[i]
	}
	propagated := math.Sqrt(sumSq) / float64(len(keep))
	meanErr = propagated
	if len(keep) > 1 {
		_, sd := stat.MeanStdDev(sub, nil)
		if scatter := sd / math.Sqrt(float64(len(keep))); scatter > meanErr {
			meanErr = scatter
		}
	}
	return mean, meanErr
}

func pick(vals []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for j, i := range idx {
		out[j] = vals[i]
	}
	return out
}

func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

func meanBaseline(tabs []product.Table) float64 {
	var sum float64
	for _, t := range tabs {
		sum += t.BaselineM
	}
	return sum / float64(len(tabs))
}
