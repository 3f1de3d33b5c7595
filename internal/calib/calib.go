// Package calib turns a science block's reduced product into a calibrated
// one using a calibrator block observed under comparable conditions. The
// calibrator's measured visibilities, divided by the uniform-disk model for
// its angular diameter, give the instrumental+atmospheric transfer function;
// science measurements are divided by that transfer function channel by
// channel. Fluxes are scaled against the calibrator's cataloged flux when
// one is known, otherwise the result is a relative flux calibration.
package calib

import (
	"errors"
	"fmt"
	"math"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/product"
	"github.com/helikon-data/fringeline/internal/units"
)

// ErrCalibration marks a calibration failure. The sequencer treats it as a
// downgrade: the block keeps its reduced product and the stage is recorded
// skipped, not failed. Test with errors.Is.
var ErrCalibration = errors.New("calibration failure")

// wavelengthTol is the relative grid agreement required between science and
// calibrator channels. Both products come from the same recipe setup, so
// grids differ only by float noise unless something went wrong upstream.
const wavelengthTol = 1e-6

// Input carries everything one calibration needs. FluxJy is the
// calibrator's cataloged flux; zero means unknown and yields a relative
// flux calibration.
type Input struct {
	Science    *product.Set
	Calibrator *product.Set
	Diameter   obs.Diameter
	FluxJy     float64
}

// Calibrate applies the calibrator's response to the science product and
// returns a new calibrated product. The inputs are not modified. All
// failure modes wrap ErrCalibration.
func Calibrate(in Input) (*product.Set, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	out := &product.Set{
		Version:    product.Version,
		BlockID:    in.Science.BlockID,
		Kind:       product.KindCalibrated,
		Target:     in.Science.Target,
		Mode:       in.Science.Mode,
		Band:       in.Science.Band,
		FluxMode:   in.Science.FluxMode,
		Calibrated: true,
		CreatedAt:  in.Science.CreatedAt,
	}

	theta := units.MasToRad(in.Diameter.ValueMas)
	thetaErr := units.MasToRad(in.Diameter.ErrMas)

	if in.FluxJy <= 0 {
		monitoring.Logf("[calib] block %s: no cataloged flux for calibrator, flux scale is relative", in.Science.BlockID)
	}

	var total, bad int
	for i, sci := range in.Science.Tables {
		cal := in.Calibrator.Tables[min(i, len(in.Calibrator.Tables)-1)]
		calTab, nbad, err := calibrateTable(sci, cal, theta, thetaErr, in.FluxJy)
		if err != nil {
			return nil, fmt.Errorf("exposure %s: %v: %w", sci.Exposure, err, ErrCalibration)
		}
		total += calTab.Channels()
		bad += nbad
		out.Tables = append(out.Tables, calTab)
	}
	if total > 0 && bad == total {
		return nil, fmt.Errorf("block %s: transfer function unusable on every channel: %w", in.Science.BlockID, ErrCalibration)
	}
	if bad > 0 {
		monitoring.Logf("[calib] block %s: zeroed %d/%d channels with unusable transfer function", in.Science.BlockID, bad, total)
	}
	return out, nil
}

func (in Input) validate() error {
	switch {
	case in.Science == nil:
		return fmt.Errorf("no science product: %w", ErrCalibration)
	case in.Calibrator == nil:
		return fmt.Errorf("calibrator reduced product absent: %w", ErrCalibration)
	case in.Science.Kind != product.KindReduced:
		return fmt.Errorf("science product is %s, want %s: %w", in.Science.Kind, product.KindReduced, ErrCalibration)
	case in.Calibrator.Kind != product.KindReduced:
		return fmt.Errorf("calibrator product is %s, want %s: %w", in.Calibrator.Kind, product.KindReduced, ErrCalibration)
	case in.Science.Band != in.Calibrator.Band || in.Science.Mode != in.Calibrator.Mode:
		return fmt.Errorf("calibrator %s/%s does not match science %s/%s: %w",
			in.Calibrator.Mode, in.Calibrator.Band, in.Science.Mode, in.Science.Band, ErrCalibration)
	case in.Diameter.ValueMas <= 0:
		return fmt.Errorf("calibrator diameter %.3f mas not usable: %w", in.Diameter.ValueMas, ErrCalibration)
	case len(in.Science.Tables) == 0 || len(in.Calibrator.Tables) == 0:
		return fmt.Errorf("empty product tables: %w", ErrCalibration)
	}
	return nil
}

// calibrateTable divides one science exposure by the transfer function
// derived from one calibrator exposure. Channels where the transfer
// function is non-positive or non-finite are zeroed with a saturated
// visibility error; the count of such channels is returned.
func calibrateTable(sci, cal product.Table, theta, thetaErr, fluxJy float64) (product.Table, int, error) {
	n := sci.Channels()
	if cal.Channels() != n {
		return product.Table{}, 0, fmt.Errorf("channel count mismatch: science %d, calibrator %d", n, cal.Channels())
	}
	out := product.Table{
		Exposure:    sci.Exposure,
		Chopped:     sci.Chopped,
		WavelengthM: append([]float64(nil), sci.WavelengthM...),
		BaselineM:   sci.BaselineM,
		Vis2:        make([]float64, n),
		Vis2Err:     make([]float64, n),
		FluxJy:      make([]float64, n),
		FluxErr:     make([]float64, n),
	}

	var bad int
	for c := 0; c < n; c++ {
		lam := sci.WavelengthM[c]
		if math.Abs(lam-cal.WavelengthM[c]) > wavelengthTol*lam {
			return product.Table{}, 0, fmt.Errorf("wavelength grids diverge at channel %d (%.4g vs %.4g m)", c, lam, cal.WavelengthM[c])
		}

		x := math.Pi * theta * cal.BaselineM / lam
		vModel := diskVis(x)
		v2Model := vModel * vModel
		transfer := cal.Vis2[c] / v2Model

		if !usable(transfer) {
			out.Vis2[c], out.Vis2Err[c] = 0, 1
			bad++
			continue
		}

		v2 := sci.Vis2[c] / transfer
		out.Vis2[c] = v2

		// First-order propagation: relative errors of the science
		// measurement, the calibrator measurement, and the diameter
		// model add in quadrature.
		modelRel := 0.0
		if vModel != 0 {
			modelRel = 2 * math.Abs(diskVisDeriv(x)/vModel) * x * relErr(theta, thetaErr)
		}
		out.Vis2Err[c] = math.Abs(v2) * quadSum(
			relErr(sci.Vis2[c], sci.Vis2Err[c]),
			relErr(cal.Vis2[c], cal.Vis2Err[c]),
			modelRel,
		)

		out.FluxJy[c], out.FluxErr[c] = calibrateFlux(sci.FluxJy[c], sci.FluxErr[c], cal.FluxJy[c], cal.FluxErr[c], fluxJy)
	}
	return out, bad, nil
}

// calibrateFlux scales a science flux channel by the calibrator. With a
// cataloged calibrator flux the result is absolute (Jy); without one it is
// the plain science/calibrator ratio.
func calibrateFlux(sci, sciErr, cal, calErr, catalogJy float64) (flux, fluxErr float64) {
	if !usable(cal) {
		return 0, 0
	}
	scale := 1.0
	if catalogJy > 0 {
		scale = catalogJy
	}
	flux = sci / cal * scale
	fluxErr = math.Abs(flux) * quadSum(relErr(sci, sciErr), relErr(cal, calErr))
	return flux, fluxErr
}

// diskVis is the uniform-disk visibility 2*J1(x)/x, taking the limit 1 at
// x = 0.
func diskVis(x float64) float64 {
	if math.Abs(x) < 1e-9 {
		return 1
	}
	return 2 * math.J1(x) / x
}

// diskVisDeriv is d/dx of diskVis.
func diskVisDeriv(x float64) float64 {
	if math.Abs(x) < 1e-9 {
		return 0
	}
	return 2 * (math.J0(x)*x - 2*math.J1(x)) / (x * x)
}

func usable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func relErr(v, err float64) float64 {
	if v == 0 {
		return 0
	}
	return math.Abs(err / v)
}

func quadSum(terms ...float64) float64 {
	var s float64
	for _, t := range terms {
		s += t * t
	}
	return math.Sqrt(s)
}
