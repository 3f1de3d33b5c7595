// Package match pairs each science block with its best calibrator block.
//
// Selection is a pure function of the block set and the config: candidates
// must share instrument mode and band, are ranked by mid-point time
// separation, tie-broken by airmass similarity, and finally by whether the
// calibrator has a cataloged angular diameter. Catalog lookups go through
// the injected caldb.Catalog, so matching is fully testable offline.
package match

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/helikon-data/fringeline/internal/caldb"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
)

// Defaults applied when the config leaves a knob unset.
const (
	DefaultMaxSeparation  = 2 * time.Hour
	DefaultTieBreakWindow = 30 * time.Minute
)

// airmassTie is how close two airmass differences must be to count as tied
// and fall through to the diameter criterion.
const airmassTie = 0.01

// Reason explains an empty assignment. Both are valid, reportable states
// rather than errors: the science block still reduces without calibration.
type Reason string

const (
	ReasonNoCandidate Reason = "no_candidate" // no calibrator shares mode and band
	ReasonStaleOnly   Reason = "stale_only"   // candidates exist but all exceed the max separation
)

// Criterion names the rule that decided a match.
type Criterion string

const (
	CriterionTime     Criterion = "time_separation"
	CriterionAirmass  Criterion = "airmass"
	CriterionDiameter Criterion = "diameter"
)

// Assignment links one science block to its chosen calibrator, or records
// why none was chosen. Exactly one Assignment exists per science block per
// run.
type Assignment struct {
	ScienceID    string        `json:"science_id"`
	CalibratorID string        `json:"calibrator_id,omitempty"`
	Separation   time.Duration `json:"separation_ns,omitempty"`
	AirmassDiff  float64       `json:"airmass_diff,omitempty"`
	Score        float64       `json:"score,omitempty"` // separation in hours; lower is better
	Criterion    Criterion     `json:"criterion,omitempty"`
	Reason       Reason        `json:"reason,omitempty"`
	Diameter     *obs.Diameter `json:"diameter,omitempty"` // diameter the calibration stage will use
}

// Empty reports whether no calibrator was assigned.
func (a Assignment) Empty() bool { return a.CalibratorID == "" }

// Config tunes the matcher.
type Config struct {
	// MaxSeparation is the largest usable mid-point separation; candidates
	// beyond it are stale.
	MaxSeparation time.Duration
	// TieBreakWindow widens the best separation into a band of candidates
	// that tie-break on airmass.
	TieBreakWindow time.Duration
	// DefaultDiameter is assumed when neither the catalog nor the raw
	// header knows the calibrator. The generous uncertainty keeps the
	// propagated error honest.
	DefaultDiameter obs.Diameter
}

func (c Config) maxSeparation() time.Duration {
	if c.MaxSeparation <= 0 {
		return DefaultMaxSeparation
	}
	return c.MaxSeparation
}

func (c Config) tieBreakWindow() time.Duration {
	if c.TieBreakWindow <= 0 {
		return DefaultTieBreakWindow
	}
	return c.TieBreakWindow
}

func (c Config) defaultDiameter() obs.Diameter {
	if c.DefaultDiameter.ValueMas <= 0 {
		return obs.Diameter{ValueMas: 1.0, ErrMas: 0.5, Source: obs.DiameterDefault}
	}
	d := c.DefaultDiameter
	d.Source = obs.DiameterDefault
	return d
}

// Matcher selects calibrators for science blocks.
type Matcher struct {
	cfg Config
	cat caldb.Catalog
}

// New builds a Matcher. cat may be nil when no catalog is available; every
// diameter then falls back to the configured default.
func New(cfg Config, cat caldb.Catalog) *Matcher {
	return &Matcher{cfg: cfg, cat: cat}
}

// MatchAll produces exactly one assignment per science block, in input
// order.
func (m *Matcher) MatchAll(ctx context.Context, science, calibrators []obs.ObservationBlock) ([]Assignment, error) {
	out := make([]Assignment, 0, len(science))
	for _, sci := range science {
		asg, err := m.Match(ctx, sci, calibrators)
		if err != nil {
			return nil, err
		}
		if asg.Empty() {
			monitoring.Logf("[match] %s: no calibrator (%s)", sci.ID, asg.Reason)
		} else {
			monitoring.Logf("[match] %s -> %s (sep %s, by %s)",
				sci.ID, asg.CalibratorID, asg.Separation.Round(time.Second), asg.Criterion)
		}
		out = append(out, asg)
	}
	return out, nil
}

type candidate struct {
	block       obs.ObservationBlock
	separation  time.Duration
	airmassDiff float64
	diameter    *obs.Diameter // nil when only the default would apply
}

// Match selects the best calibrator for one science block.
func (m *Matcher) Match(ctx context.Context, sci obs.ObservationBlock, calibrators []obs.ObservationBlock) (Assignment, error) {
	asg := Assignment{ScienceID: sci.ID}

	var cands []candidate
	for _, cal := range calibrators {
		if cal.ID == sci.ID || cal.Mode != sci.Mode || cal.Band != sci.Band {
			continue
		}
		cands = append(cands, candidate{
			block:       cal,
			separation:  absDuration(cal.Midpoint().Sub(sci.Midpoint())),
			airmassDiff: math.Abs(cal.MeanAirmass() - sci.MeanAirmass()),
		})
	}
	if len(cands) == 0 {
		asg.Reason = ReasonNoCandidate
		return asg, nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].separation != cands[j].separation {
			return cands[i].separation < cands[j].separation
		}
		return cands[i].block.ID < cands[j].block.ID
	})

	maxSep := m.cfg.maxSeparation()
	if cands[0].separation > maxSep {
		asg.Reason = ReasonStaleOnly
		return asg, nil
	}

	// The tie-break window: fresh candidates close enough to the best that
	// time separation alone should not decide.
	window := cands[:0:0]
	limit := cands[0].separation + m.cfg.tieBreakWindow()
	for _, c := range cands {
		if c.separation <= limit && c.separation <= maxSep {
			window = append(window, c)
		}
	}

	chosen, criterion, err := m.pick(ctx, window)
	if err != nil {
		return Assignment{}, err
	}

	asg.CalibratorID = chosen.block.ID
	asg.Separation = chosen.separation
	asg.AirmassDiff = chosen.airmassDiff
	asg.Score = chosen.separation.Hours()
	asg.Criterion = criterion
	if chosen.diameter != nil {
		asg.Diameter = chosen.diameter
	} else {
		d := m.cfg.defaultDiameter()
		asg.Diameter = &d
	}
	return asg, nil
}

// pick applies the ranked criteria inside the tie-break window.
func (m *Matcher) pick(ctx context.Context, window []candidate) (candidate, Criterion, error) {
	if len(window) == 1 {
		c := window[0]
		var err error
		if c.diameter, err = m.lookupDiameter(ctx, c.block); err != nil {
			return candidate{}, "", err
		}
		return c, CriterionTime, nil
	}

	best := window[0]
	for _, c := range window[1:] {
		if c.airmassDiff < best.airmassDiff {
			best = c
		}
	}
	airmassWinners := window[:0:0]
	for _, c := range window {
		if c.airmassDiff <= best.airmassDiff+airmassTie {
			airmassWinners = append(airmassWinners, c)
		}
	}
	for i := range airmassWinners {
		d, err := m.lookupDiameter(ctx, airmassWinners[i].block)
		if err != nil {
			return candidate{}, "", err
		}
		airmassWinners[i].diameter = d
	}
	if len(airmassWinners) == 1 {
		return airmassWinners[0], CriterionAirmass, nil
	}

	// Airmass still tied: prefer a calibrator whose diameter is actually
	// known. Window order is (separation, ID), so the first hit is
	// deterministic.
	for _, c := range airmassWinners {
		if c.diameter != nil {
			return c, CriterionDiameter, nil
		}
	}
	return airmassWinners[0], CriterionDiameter, nil
}

// lookupDiameter resolves a calibrator's known diameter: the curated catalog
// first, then the calibrator-database cards stamped into the raw header.
// Returns nil when only the configured default would remain.
func (m *Matcher) lookupDiameter(ctx context.Context, cal obs.ObservationBlock) (*obs.Diameter, error) {
	if m.cat != nil {
		d, ok, err := m.cat.Diameter(ctx, cal.Target)
		if err != nil {
			return nil, fmt.Errorf("calibrator catalog lookup for %q: %w", cal.Target, err)
		}
		if ok {
			return &d, nil
		}
	}
	if d := cal.CalDiameter(); d != nil {
		return d, nil
	}
	return nil, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
