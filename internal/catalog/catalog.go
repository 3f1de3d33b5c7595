// Package catalog builds the exposure catalog from the primary headers of
// raw files. Per-file failures are recorded in a skip list and never abort
// the scan: one corrupt header must not take a night of data with it.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/helikon-data/fringeline/internal/fitshdr"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
)

// ErrMetadata marks a raw file whose header is unreadable or missing a
// required card. Test with errors.Is.
var ErrMetadata = errors.New("bad exposure metadata")

// Skipped records one raw file excluded from the catalog and why.
type Skipped struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Catalog is the result of one header scan.
type Catalog struct {
	Exposures []obs.Exposure `json:"exposures"`
	Skipped   []Skipped      `json:"skipped,omitempty"`
}

// Build scans dir for raw exposure files and catalogs their headers.
// Instrument calibration maps (M.* files the reduction engine consumes
// directly) are recorded as skipped, not cataloged.
func Build(fsys fsutil.FileSystem, dir string) (*Catalog, error) {
	files, err := fsys.Glob(filepath.Join(dir, "*.fits"))
	if err != nil {
		return nil, fmt.Errorf("listing raw files under %s: %w", dir, err)
	}
	return BuildFiles(fsys, files)
}

// BuildFiles catalogs an explicit list of raw files.
func BuildFiles(fsys fsutil.FileSystem, files []string) (*Catalog, error) {
	cat := &Catalog{}
	for _, file := range files {
		if strings.HasPrefix(filepath.Base(file), "M.") {
			cat.Skipped = append(cat.Skipped, Skipped{File: file, Reason: "instrument calibration map"})
			continue
		}
		exp, err := ReadExposure(fsys, file)
		if err != nil {
			if !errors.Is(err, ErrMetadata) {
				return nil, err
			}
			monitoring.Logf("[catalog] skipping %s: %v", file, err)
			cat.Skipped = append(cat.Skipped, Skipped{File: file, Reason: err.Error()})
			continue
		}
		cat.Exposures = append(cat.Exposures, exp)
	}
	monitoring.Logf("[catalog] %d exposures cataloged, %d files skipped", len(cat.Exposures), len(cat.Skipped))
	return cat, nil
}

// ReadExposure parses one raw file's primary header into an Exposure.
func ReadExposure(fsys fsutil.FileSystem, path string) (obs.Exposure, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return obs.Exposure{}, metadataErr(path, "%v", err)
	}
	defer f.Close()

	h, err := fitshdr.Read(f)
	if err != nil {
		return obs.Exposure{}, metadataErr(path, "%v", err)
	}
	return exposureFromHeader(path, h)
}

// exposureFromHeader validates the header against the catalog schema.
// Required: target name, template start, detector chip, airmass. Optional
// cards get explicit defaults rather than silently missing fields.
func exposureFromHeader(path string, h *fitshdr.Header) (obs.Exposure, error) {
	exp := obs.Exposure{File: path}

	target, ok := h.Str("ESO OBS TARG NAME")
	if !ok {
		target, ok = h.Str("OBJECT")
	}
	if !ok || strings.TrimSpace(target) == "" {
		return obs.Exposure{}, metadataErr(path, "no target name card")
	}
	exp.Target = strings.TrimSpace(target)

	start, ok := h.Time("ESO TPL START")
	if !ok {
		return obs.Exposure{}, metadataErr(path, "missing or malformed ESO TPL START card")
	}
	exp.Time = start

	chip, ok := h.Str("ESO DET CHIP NAME")
	if !ok {
		chip, _ = h.Str("ESO DET NAME")
	}
	band, ok := obs.BandFromChip(chip)
	if !ok {
		return obs.Exposure{}, metadataErr(path, "unknown detector chip %q", chip)
	}
	exp.Band = band

	airmass, n := meanCards(h, "ESO ISS AIRM START", "ESO ISS AIRM END")
	if n == 0 {
		return obs.Exposure{}, metadataErr(path, "no airmass cards")
	}
	exp.Airmass = airmass

	role, err := roleFromHeader(h)
	if err != nil {
		return obs.Exposure{}, metadataErr(path, "%v", err)
	}
	exp.Role = role

	// Everything below is optional.
	exp.Mode = obs.ModeStandalone
	if sensor, ok := h.Str("ESO DEL FT SENSOR"); ok && strings.EqualFold(sensor, "GRAVITY") {
		exp.Mode = obs.ModeFringeTracked
	}

	exp.Resolution = obs.ResLow
	if din, ok := h.Str("ESO INS DIN NAME"); ok {
		if res, ok := obs.ParseResolution(din); ok {
			exp.Resolution = res
		}
	}

	exp.Array = obs.ArrayConfigFromStations(stationCards(h))
	exp.RA, _ = h.Float("RA")
	exp.Dec, _ = h.Float("DEC")
	exp.Seeing, _ = meanCards(h, "ESO ISS AMBI FWHM START", "ESO ISS AMBI FWHM END")

	if tau0, n := meanCards(h, "ESO ISS AMBI TAU0 START", "ESO ISS AMBI TAU0 END"); n > 0 {
		exp.Tau0 = tau0 * 1e3 // header cards are in seconds
	}

	if diam, ok := h.Float("ESO PRO CAL DB DIAM"); ok {
		d := &obs.Diameter{ValueMas: diam, Source: obs.DiameterHeader}
		d.ErrMas, _ = h.Float("ESO PRO CAL DB ERRDIAM")
		exp.CalDiameter = d
	}

	return exp, nil
}

// roleFromHeader derives the exposure role: the observation-name tag wins,
// then the data-product category.
func roleFromHeader(h *fitshdr.Header) (obs.Role, error) {
	if name, ok := h.Str("ESO OBS NAME"); ok && strings.Contains(name, "SCI") {
		return obs.RoleScience, nil
	}
	catg, ok := h.Str("ESO DPR CATG")
	if !ok {
		return "", errors.New("no observation name or data category card")
	}
	switch strings.ToUpper(strings.TrimSpace(catg)) {
	case "SCIENCE":
		return obs.RoleScience, nil
	case "CALIB":
		return obs.RoleCalibrator, nil
	}
	return "", fmt.Errorf("unrecognized data category %q", catg)
}

func stationCards(h *fitshdr.Header) []string {
	var stations []string
	for i := 1; i <= 4; i++ {
		s, ok := h.Str(fmt.Sprintf("ESO ISS CONF STATION%d", i))
		if !ok {
			break
		}
		stations = append(stations, s)
	}
	return stations
}

// meanCards averages the named float cards that are present, reporting how
// many contributed.
func meanCards(h *fitshdr.Header, keys ...string) (float64, int) {
	var sum float64
	var n int
	for _, key := range keys {
		if v, ok := h.Float(key); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func metadataErr(path, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", path, fmt.Sprintf(format, args...), ErrMetadata)
}
