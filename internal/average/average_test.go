package average

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/product"
)

func init() {
	monitoring.SetLogger(nil)
}

func tab(exposure string, n int, v2, v2err float64) product.Table {
	t := product.Table{
		Exposure:    exposure,
		WavelengthM: make([]float64, n),
		BaselineM:   64,
		Vis2:        make([]float64, n),
		Vis2Err:     make([]float64, n),
		FluxJy:      make([]float64, n),
		FluxErr:     make([]float64, n),
	}
	for i := 0; i < n; i++ {
		t.WavelengthM[i] = 3.0e-6 + float64(i)*0.1e-6
		t.Vis2[i], t.Vis2Err[i] = v2, v2err
		t.FluxJy[i], t.FluxErr[i] = 10*v2, v2err
	}
	return t
}

func calSet(blockID string, tabs ...product.Table) *product.Set {
	return &product.Set{
		Version:    product.Version,
		BlockID:    blockID,
		Kind:       product.KindCalibrated,
		Target:     "HD 142666",
		Mode:       obs.ModeStandalone,
		Band:       obs.BandL,
		FluxMode:   product.FluxIncoherent,
		Calibrated: true,
		Tables:     tabs,
	}
}

func TestMergeStacksTables(t *testing.T) {
	a := calSet("b1", tab("e1", 4, 0.50, 0.02), tab("e2", 4, 0.51, 0.02))
	b := calSet("b1", tab("e3", 4, 0.49, 0.02))

	out, err := Merge([]*product.Set{a, b}, Params{})
	require.NoError(t, err)
	assert.Equal(t, product.KindMerged, out.Kind)
	assert.Equal(t, "b1", out.BlockID)
	assert.True(t, out.Calibrated)
	assert.Len(t, out.Tables, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, out.Contributors)
}

func TestMergeDropsOutlierExposure(t *testing.T) {
	in := calSet("b1",
		tab("e1", 4, 0.50, 0.02),
		tab("e2", 4, 0.51, 0.02),
		tab("e3", 4, 0.49, 0.02),
		tab("bad", 4, 5.0, 0.02),
	)
	out, err := Merge([]*product.Set{in}, Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, out.Contributors)
}

func TestMergeKeepsAllWhenTooFewToJudge(t *testing.T) {
	in := calSet("b1", tab("e1", 4, 0.50, 0.02), tab("wild", 4, 5.0, 0.02))
	out, err := Merge([]*product.Set{in}, Params{})
	require.NoError(t, err)
	assert.Len(t, out.Tables, 2)

	three := calSet("b1", tab("e1", 4, 0.50, 0.02), tab("e2", 4, 0.51, 0.02), tab("wild", 4, 5.0, 0.02))
	out, err = Merge([]*product.Set{three}, Params{})
	require.NoError(t, err)
	assert.Len(t, out.Tables, 3, "three exposures are too few to reject from")
}

func TestMergeUncalibratedInputClearsFlag(t *testing.T) {
	a := calSet("b1", tab("e1", 4, 0.50, 0.02))
	b := calSet("b1", tab("e2", 4, 0.51, 0.02))
	b.Calibrated = false
	b.Kind = product.KindReduced

	out, err := Merge([]*product.Set{a, b}, Params{})
	require.NoError(t, err)
	assert.False(t, out.Calibrated)
}

func TestMergeValidation(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := Merge(nil, Params{})
		assert.True(t, errors.Is(err, ErrMerge))
	})

	t.Run("target mismatch", func(t *testing.T) {
		a := calSet("b1", tab("e1", 4, 0.5, 0.02))
		b := calSet("b2", tab("e2", 4, 0.5, 0.02))
		b.Target = "HD 100546"
		_, err := Merge([]*product.Set{a, b}, Params{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMerge))
		assert.Contains(t, err.Error(), "cannot merge")
	})

	t.Run("channel count mismatch", func(t *testing.T) {
		a := calSet("b1", tab("e1", 4, 0.5, 0.02), tab("e2", 6, 0.5, 0.02))
		_, err := Merge([]*product.Set{a}, Params{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMerge))
	})

	t.Run("grid mismatch", func(t *testing.T) {
		bad := tab("e2", 4, 0.5, 0.02)
		bad.WavelengthM[1] *= 1.5
		a := calSet("b1", tab("e1", 4, 0.5, 0.02), bad)
		_, err := Merge([]*product.Set{a}, Params{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMerge))
		assert.Contains(t, err.Error(), "diverges")
	})
}

func TestAverageSingleTablePassthrough(t *testing.T) {
	merged, err := Merge([]*product.Set{calSet("b1", tab("e1", 4, 0.5, 0.03))}, Params{})
	require.NoError(t, err)

	out, err := Average(merged, Params{})
	require.NoError(t, err)
	assert.Equal(t, product.KindAveraged, out.Kind)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, "average", out.Tables[0].Exposure)
	assert.InDelta(t, 0.5, out.Tables[0].Vis2[0], 1e-12)
	assert.InDelta(t, 0.03, out.Tables[0].Vis2Err[0], 1e-12)
	assert.True(t, out.LowConfidence, "one exposure is below the default minimum")
	assert.Equal(t, []string{"e1"}, out.Contributors)
}

func TestAverageClipsOutlierChannel(t *testing.T) {
	tabs := []product.Table{
		tab("e1", 4, 0.48, 0.02),
		tab("e2", 4, 0.50, 0.02),
		tab("e3", 4, 0.52, 0.02),
		tab("e4", 4, 0.49, 0.02),
		tab("e5", 4, 0.51, 0.02),
	}
	tabs[4].Vis2[1] = 7.0 // cosmic hit on one channel of one exposure
	merged := calSet("b1", tabs...)
	merged.Kind = product.KindMerged

	out, err := Average(merged, Params{})
	require.NoError(t, err)

	avg := out.Tables[0]
	assert.InDelta(t, 0.50, avg.Vis2[0], 1e-9, "clean channel keeps all five")
	assert.InDelta(t, (0.48+0.50+0.52+0.49)/4, avg.Vis2[1], 1e-9, "spiked value rejected")
	assert.False(t, out.LowConfidence)
}

func TestAveragePropagatesMeasurementError(t *testing.T) {
	merged := calSet("b1",
		tab("e1", 4, 0.5, 0.03),
		tab("e2", 4, 0.5, 0.03),
		tab("e3", 4, 0.5, 0.03),
	)
	merged.Kind = product.KindMerged

	out, err := Average(merged, Params{})
	require.NoError(t, err)
	// Identical values have zero scatter, so the error is the propagated
	// measurement error of the mean: 0.03/sqrt(3).
	assert.InDelta(t, 0.03/1.7320508, out.Tables[0].Vis2Err[0], 1e-6)
}

func TestAverageLowConfidenceThreshold(t *testing.T) {
	two := calSet("b1", tab("e1", 4, 0.5, 0.02), tab("e2", 4, 0.5, 0.02))
	out, err := Average(two, Params{})
	require.NoError(t, err)
	assert.True(t, out.LowConfidence)

	out, err = Average(two, Params{MinContributors: 2})
	require.NoError(t, err)
	assert.False(t, out.LowConfidence)
}

func TestAverageNothing(t *testing.T) {
	_, err := Average(nil, Params{})
	assert.True(t, errors.Is(err, ErrMerge))
	_, err = Average(&product.Set{}, Params{})
	assert.True(t, errors.Is(err, ErrMerge))
}

func TestRelaxedParams(t *testing.T) {
	p := Params{}.Relaxed()
	assert.Equal(t, 6.0, p.Sigma)
	assert.Equal(t, 1, p.Iterations)

	p = Params{Sigma: 2, Iterations: 5, MinContributors: 4}.Relaxed()
	assert.Equal(t, 4.0, p.Sigma)
	assert.Equal(t, 1, p.Iterations)
	assert.Equal(t, 4, p.MinContributors)
}
