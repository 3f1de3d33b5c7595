package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/product"
	"github.com/helikon-data/fringeline/internal/units"
)

// MockEngine is an in-process Engine for tests and dry runs. It synthesizes
// a plausible reduced product per block instead of shelling out, and can be
// told to fail or stall on specific targets.
type MockEngine struct {
	FS fsutil.FileSystem

	// Fail maps a target name to a recipe-style error message. Matching
	// blocks fail with ErrEngine.
	Fail map[string]string

	// Stall delays every reduction, honoring ctx. Use with a short stage
	// deadline to exercise timeout handling.
	Stall time.Duration

	// Channels overrides the synthesized spectral channel count (default 16).
	Channels int

	// Calls records the block IDs reduced, in dispatch order. Not
	// synchronized: inspect only after the run completes when sharing a
	// MockEngine across goroutines is unavoidable, or keep runs serial.
	Calls []string
}

// Reduce implements Engine.
func (m *MockEngine) Reduce(ctx context.Context, req Request) (product.Ref, error) {
	m.Calls = append(m.Calls, req.Block.ID)

	if m.Stall > 0 {
		select {
		case <-time.After(m.Stall):
		case <-ctx.Done():
			return product.Ref{}, fmt.Errorf("recipe for block %s interrupted: %w", req.Block.ID, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return product.Ref{}, fmt.Errorf("recipe for block %s interrupted: %w", req.Block.ID, err)
	}
	if msg, ok := m.Fail[req.Block.Target]; ok {
		return product.Ref{}, fmt.Errorf("recipe for block %s failed (exit status 1): %s: %w", req.Block.ID, msg, ErrEngine)
	}

	set := m.Synthesize(req.Block, req.FluxMode)
	return product.Save(m.fs(), filepath.Join(req.WorkDir, ReducedName), set)
}

// Synthesize builds a deterministic reduced product for a block: one table
// per exposure, smooth visibility and flux curves over a band-appropriate
// wavelength grid. Values are stable across runs so tests can assert on
// downstream arithmetic.
func (m *MockEngine) Synthesize(b obs.ObservationBlock, fm product.FluxMode) *product.Set {
	n := m.Channels
	if n < 2 {
		n = 16
	}
	set := &product.Set{
		Version:   product.Version,
		BlockID:   b.ID,
		Kind:      product.KindReduced,
		Target:    b.Target,
		Mode:      b.Mode,
		Band:      b.Band,
		FluxMode:  fm,
		CreatedAt: b.Start().UTC(),
	}
	for i, e := range b.Exposures {
		t := product.Table{
			Exposure:    filepath.Base(e.File),
			Chopped:     i%2 == 1,
			WavelengthM: wavelengthGrid(b.Band, n),
			BaselineM:   baselineFor(e.Array),
			Vis2:        make([]float64, n),
			Vis2Err:     make([]float64, n),
			FluxJy:      make([]float64, n),
			FluxErr:     make([]float64, n),
		}
		for c := 0; c < n; c++ {
			x := float64(c) / float64(n)
			t.Vis2[c] = 0.62 - 0.18*x + 0.01*math.Sin(float64(i+1)*3.1*x)
			t.Vis2Err[c] = 0.02 + 0.005*x
			t.FluxJy[c] = 9.5 + 1.4*x + 0.05*math.Cos(float64(i+1)*2.7*x)
			t.FluxErr[c] = 0.3
		}
		set.Tables = append(set.Tables, t)
	}
	return set
}

func (m *MockEngine) fs() fsutil.FileSystem {
	if m.FS != nil {
		return m.FS
	}
	return fsutil.OSFileSystem{}
}

func wavelengthGrid(band obs.Band, n int) []float64 {
	lo, hi := units.MicronsToMeters(3.0), units.MicronsToMeters(4.2)
	if band == obs.BandN {
		lo, hi = units.MicronsToMeters(8.0), units.MicronsToMeters(13.0)
	}
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return grid
}

func baselineFor(array obs.ArrayConfig) float64 {
	switch array {
	case obs.ArraySmall:
		return 32.0
	case obs.ArrayMedium:
		return 64.0
	case obs.ArrayLarge:
		return 120.0
	case obs.ArrayExtended:
		return 150.0
	case obs.ArrayUTs:
		return 86.0
	default:
		return 50.0
	}
}
