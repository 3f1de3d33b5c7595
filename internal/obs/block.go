package obs

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// ObservationBlock is a time-contiguous group of exposures for one target,
// mode, and band: one observing sequence on one object. Blocks are created by
// the organizer with at least one exposure, in time order, and never mutated.
type ObservationBlock struct {
	ID        string     `json:"id"`
	Target    string     `json:"target"`
	Mode      Mode       `json:"mode"`
	Band      Band       `json:"band"`
	Exposures []Exposure `json:"exposures"`
}

// Key returns the block's partition key.
func (b ObservationBlock) Key() GroupKey {
	return GroupKey{Target: b.Target, Mode: b.Mode, Band: b.Band}
}

// Role reports whether the block is a science or calibrator block. A block
// with any science exposure is treated as science so it is never lost from
// the calibrated output.
func (b ObservationBlock) Role() Role {
	for _, e := range b.Exposures {
		if e.Role == RoleScience {
			return RoleScience
		}
	}
	return RoleCalibrator
}

// Start is the timestamp of the first exposure.
func (b ObservationBlock) Start() time.Time {
	if len(b.Exposures) == 0 {
		return time.Time{}
	}
	return b.Exposures[0].Time
}

// End is the timestamp of the last exposure.
func (b ObservationBlock) End() time.Time {
	if len(b.Exposures) == 0 {
		return time.Time{}
	}
	return b.Exposures[len(b.Exposures)-1].Time
}

// Span is the time covered from first to last exposure.
func (b ObservationBlock) Span() time.Duration {
	return b.End().Sub(b.Start())
}

// Midpoint is the temporal center of the block, the reference time for
// calibrator matching.
func (b ObservationBlock) Midpoint() time.Time {
	return b.Start().Add(b.Span() / 2)
}

// MeanAirmass averages the per-exposure airmass over the block.
func (b ObservationBlock) MeanAirmass() float64 {
	return b.mean(func(e Exposure) float64 { return e.Airmass })
}

// MeanSeeing averages the per-exposure seeing over the block, in arcsec.
func (b ObservationBlock) MeanSeeing() float64 {
	return b.mean(func(e Exposure) float64 { return e.Seeing })
}

// MeanTau0 averages the per-exposure coherence time over the block, in ms.
func (b ObservationBlock) MeanTau0() float64 {
	return b.mean(func(e Exposure) float64 { return e.Tau0 })
}

func (b ObservationBlock) mean(field func(Exposure) float64) float64 {
	if len(b.Exposures) == 0 {
		return 0
	}
	vals := make([]float64, len(b.Exposures))
	for i, e := range b.Exposures {
		vals[i] = field(e)
	}
	return stat.Mean(vals, nil)
}

// CalDiameter returns the first header-stamped calibrator diameter in the
// block, or nil when no exposure carries one.
func (b ObservationBlock) CalDiameter() *Diameter {
	for _, e := range b.Exposures {
		if e.CalDiameter != nil {
			return e.CalDiameter
		}
	}
	return nil
}

// Files lists the raw file paths of the block's exposures, in time order.
func (b ObservationBlock) Files() []string {
	files := make([]string, len(b.Exposures))
	for i, e := range b.Exposures {
		files[i] = e.File
	}
	return files
}
