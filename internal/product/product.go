// Package product defines the data products pipeline stages exchange: the
// per-exposure spectral tables a reduction produces, and the calibrated,
// merged, and averaged sets derived from them. Products travel between
// stages as JSON documents next to the engine's own output tree; the
// instrument's binary exchange format never crosses this boundary.
package product

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/obs"
)

// Version is written into every product document.
const Version = 1

// Kind distinguishes the stage outputs.
type Kind string

const (
	KindReduced    Kind = "reduced"
	KindCalibrated Kind = "calibrated"
	KindMerged     Kind = "merged"
	KindAveraged   Kind = "averaged"
)

// FluxMode selects which flux product a reduction carries: the coherently
// summed correlated flux, or the total (incoherent) flux.
type FluxMode string

const (
	FluxCoherent   FluxMode = "coherent"
	FluxIncoherent FluxMode = "incoherent"
)

// Table holds the spectral quantities of one exposure: squared visibility
// and flux per spectral channel with 1-sigma uncertainties, on the
// wavelength grid the reduction produced.
type Table struct {
	Exposure    string    `json:"exposure"`          // raw file the table came from
	Chopped     bool      `json:"chopped,omitempty"` // recorded in a chopping cycle
	WavelengthM []float64 `json:"wavelength_m"`
	Vis2        []float64 `json:"vis2"`
	Vis2Err     []float64 `json:"vis2_err"`
	FluxJy      []float64 `json:"flux_jy"`
	FluxErr     []float64 `json:"flux_err"`
	BaselineM   float64   `json:"baseline_m"` // representative projected baseline
}

// Channels is the number of spectral channels in the table.
func (t Table) Channels() int { return len(t.WavelengthM) }

// Validate checks the table's column lengths agree.
func (t Table) Validate() error {
	n := len(t.WavelengthM)
	if n == 0 {
		return fmt.Errorf("table %s: empty wavelength grid", t.Exposure)
	}
	for name, col := range map[string][]float64{
		"vis2":     t.Vis2,
		"vis2_err": t.Vis2Err,
		"flux_jy":  t.FluxJy,
		"flux_err": t.FluxErr,
	} {
		if len(col) != n {
			return fmt.Errorf("table %s: %s has %d channels, wavelength grid has %d",
				t.Exposure, name, len(col), n)
		}
	}
	return nil
}

// Set is one block's product at one stage.
type Set struct {
	Version  int      `json:"version"`
	BlockID  string   `json:"block_id"`
	Kind     Kind     `json:"kind"`
	Target   string   `json:"target"`
	Mode     obs.Mode `json:"mode"`
	Band     obs.Band `json:"band"`
	FluxMode FluxMode `json:"flux_mode"`

	// Calibrated is false when calibration was skipped and the reduced
	// data was promoted downstream as-is.
	Calibrated bool      `json:"calibrated"`
	CreatedAt  time.Time `json:"created_at"`

	Tables []Table `json:"tables"`

	// Contributors lists the exposures that survived outlier rejection.
	// Set on merged and averaged products.
	Contributors []string `json:"contributors,omitempty"`

	// LowConfidence flags an average built from fewer contributors than
	// the configured minimum.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Validate checks the set is structurally sound: versioned, at least one
// table, and consistent column lengths throughout.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("nil product set")
	}
	if s.Version != Version {
		return fmt.Errorf("product %s: unsupported version %d", s.BlockID, s.Version)
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("product %s: no tables", s.BlockID)
	}
	for _, t := range s.Tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("product %s: %w", s.BlockID, err)
		}
	}
	return nil
}

// Ref locates a product document on disk. The empty Ref means a stage
// produced no output.
type Ref struct {
	Path string `json:"path,omitempty"`
}

// IsZero reports whether the ref points at nothing.
func (r Ref) IsZero() bool { return r.Path == "" }

// Save writes the set as an indented JSON document, creating parent
// directories as needed, and returns its ref.
func Save(fsys fsutil.FileSystem, path string, s *Set) (Ref, error) {
	if err := s.Validate(); err != nil {
		return Ref{}, err
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("creating product dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return Ref{}, fmt.Errorf("encoding product %s: %w", s.BlockID, err)
	}
	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("writing product %s: %w", path, err)
	}
	return Ref{Path: path}, nil
}

// Load reads and validates a product document.
func Load(fsys fsutil.FileSystem, ref Ref) (*Set, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("empty product ref")
	}
	data, err := fsys.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("reading product %s: %w", ref.Path, err)
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding product %s: %w", ref.Path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
