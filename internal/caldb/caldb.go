// Package caldb is the calibrator property catalog: angular diameters and
// known fluxes for calibration standards, keyed by normalized target name.
// The matcher and the calibration engine only see the Catalog interface, so
// runs work offline against the local mirror or a static table.
package caldb

import (
	"context"
	"strings"

	"github.com/helikon-data/fringeline/internal/obs"
)

// Entry is one calibrator record.
type Entry struct {
	Name       string  `json:"name"`
	DiamMas    float64 `json:"diam_mas"`
	DiamErrMas float64 `json:"diam_err_mas"`
	FluxJy     float64 `json:"flux_jy,omitempty"` // 0 = unknown
}

// Catalog answers calibrator property lookups. A false second return means
// the target is not cataloged; the caller decides the fallback.
type Catalog interface {
	Diameter(ctx context.Context, target string) (obs.Diameter, bool, error)
	Flux(ctx context.Context, target string) (float64, bool, error)
}

// NormalizeName canonicalizes a target name for lookup: lower-cased with
// spaces and underscores removed, so "HD 100920", "hd_100920" and "HD100920"
// resolve to the same entry.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '_':
			return -1
		}
		return r
	}, name)
}

// Static is an in-memory Catalog, used in tests and for the built-in
// defaults of well-known standards.
type Static struct {
	entries map[string]Entry
}

// NewStatic builds a static catalog from entries; names are normalized.
func NewStatic(entries ...Entry) *Static {
	s := &Static{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		s.entries[NormalizeName(e.Name)] = e
	}
	return s
}

// Diameter implements Catalog.
func (s *Static) Diameter(_ context.Context, target string) (obs.Diameter, bool, error) {
	e, ok := s.entries[NormalizeName(target)]
	if !ok || e.DiamMas <= 0 {
		return obs.Diameter{}, false, nil
	}
	return obs.Diameter{ValueMas: e.DiamMas, ErrMas: e.DiamErrMas, Source: obs.DiameterCatalog}, true, nil
}

// Flux implements Catalog.
func (s *Static) Flux(_ context.Context, target string) (float64, bool, error) {
	e, ok := s.entries[NormalizeName(target)]
	if !ok || e.FluxJy <= 0 {
		return 0, false, nil
	}
	return e.FluxJy, true, nil
}
