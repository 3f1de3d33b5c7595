package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil) // mute scan chatter
}

func TestReadExposure(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	start := time.Date(2021, 3, 1, 0, 24, 11, 0, time.UTC)
	path := testutil.WriteRaw(t, fsys, testutil.RawFile{
		Path:    "raw/sci.fits",
		Target:  "HD 142666",
		Time:    start,
		Band:    obs.BandL,
		Mode:    obs.ModeFringeTracked,
		Role:    obs.RoleScience,
		Airmass: 1.5,
		Seeing:  0.9,
		Tau0Sec: 4.2e-3,
	})

	exp, err := ReadExposure(fsys, path)
	require.NoError(t, err)

	assert.Equal(t, "HD 142666", exp.Target)
	assert.Equal(t, start, exp.Time)
	assert.Equal(t, obs.BandL, exp.Band)
	assert.Equal(t, obs.ModeFringeTracked, exp.Mode)
	assert.Equal(t, obs.RoleScience, exp.Role)
	assert.Equal(t, obs.ResLow, exp.Resolution)
	assert.Equal(t, obs.ArraySmall, exp.Array)
	assert.InDelta(t, 1.5, exp.Airmass, 1e-6)
	assert.InDelta(t, 0.9, exp.Seeing, 1e-6)
	assert.InDelta(t, 4.2, exp.Tau0, 1e-6, "tau0 converted to ms")
	assert.Nil(t, exp.CalDiameter)
}

func TestReadExposureCalibratorDiameter(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	path := testutil.WriteRaw(t, fsys, testutil.RawFile{
		Path:       "raw/cal.fits",
		Target:     "HD 100920",
		Role:       obs.RoleCalibrator,
		DiamMas:    2.31,
		DiamErrMas: 0.02,
	})

	exp, err := ReadExposure(fsys, path)
	require.NoError(t, err)

	assert.Equal(t, obs.RoleCalibrator, exp.Role)
	require.NotNil(t, exp.CalDiameter)
	assert.InDelta(t, 2.31, exp.CalDiameter.ValueMas, 1e-9)
	assert.InDelta(t, 0.02, exp.CalDiameter.ErrMas, 1e-9)
	assert.Equal(t, obs.DiameterHeader, exp.CalDiameter.Source)
}

func TestReadExposureMissingRequiredCard(t *testing.T) {
	tests := []struct {
		name string
		drop []string
	}{
		{"no template start", []string{"ESO TPL START"}},
		{"no target", []string{"ESO OBS TARG NAME", "OBJECT"}},
		{"no detector", []string{"ESO DET CHIP NAME"}},
		{"no airmass", []string{"ESO ISS AIRM START", "ESO ISS AIRM END"}},
		{"no role", []string{"ESO OBS NAME", "ESO DPR CATG"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fsutil.NewMemoryFileSystem()
			path := testutil.WriteRaw(t, fsys, testutil.RawFile{
				Path:      "raw/broken.fits",
				Role:      obs.RoleCalibrator,
				DropCards: tt.drop,
			})
			_, err := ReadExposure(fsys, path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMetadata)
		})
	}
}

func TestBuildSkipsBadFiles(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	base := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

	testutil.WriteRaw(t, fsys, testutil.RawFile{Path: "raw/a.fits", Time: base})
	testutil.WriteRaw(t, fsys, testutil.RawFile{Path: "raw/b.fits", Time: base.Add(5 * time.Minute)})
	testutil.WriteRaw(t, fsys, testutil.RawFile{
		Path:      "raw/c.fits",
		Time:      base.Add(10 * time.Minute),
		DropCards: []string{"ESO TPL START"},
	})
	// Not a FITS file at all.
	require.NoError(t, fsys.WriteFile("raw/junk.fits", []byte("not fits"), 0o644))
	// Instrument calibration map, consumed by the engine directly.
	require.NoError(t, fsys.WriteFile("raw/M.MATISSE.2021-03-01.fits", []byte("map"), 0o644))

	cat, err := Build(fsys, "raw")
	require.NoError(t, err)

	assert.Len(t, cat.Exposures, 2)
	assert.Len(t, cat.Skipped, 3)
	for _, exp := range cat.Exposures {
		assert.NotEmpty(t, exp.Target)
	}
	reasons := map[string]string{}
	for _, s := range cat.Skipped {
		reasons[s.File] = s.Reason
	}
	assert.Contains(t, reasons["raw/c.fits"], "ESO TPL START")
	assert.Contains(t, reasons["raw/M.MATISSE.2021-03-01.fits"], "calibration map")
	assert.NotEmpty(t, reasons["raw/junk.fits"])
}

func TestBuildEmptyDir(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	cat, err := Build(fsys, "raw")
	require.NoError(t, err)
	assert.Empty(t, cat.Exposures)
	assert.Empty(t, cat.Skipped)
}

func TestBuildDeterministicOrder(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	base := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	// Written out of name order; the scan must come back sorted by path.
	testutil.WriteRaw(t, fsys, testutil.RawFile{Path: "raw/c.fits", Time: base.Add(2 * time.Minute)})
	testutil.WriteRaw(t, fsys, testutil.RawFile{Path: "raw/a.fits", Time: base})
	testutil.WriteRaw(t, fsys, testutil.RawFile{Path: "raw/b.fits", Time: base.Add(time.Minute)})

	cat, err := Build(fsys, "raw")
	require.NoError(t, err)
	require.Len(t, cat.Exposures, 3)
	assert.Equal(t, "raw/a.fits", cat.Exposures[0].File)
	assert.Equal(t, "raw/b.fits", cat.Exposures[1].File)
	assert.Equal(t, "raw/c.fits", cat.Exposures[2].File)
}
