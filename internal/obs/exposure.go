// Package obs holds the observational domain model: exposures cataloged from
// raw file headers and the observation blocks they are grouped into. Values
// here are created once by the catalog and organizer and read-only afterwards.
package obs

import (
	"sort"
	"strings"
	"time"
)

// Band is the spectral band an exposure was recorded in, named after the
// thermal-infrared atmospheric window the detector covers.
type Band string

const (
	BandL Band = "lband" // L/M window, HAWAII-2RG detector
	BandN Band = "nband" // N window, AQUARIUS detector
)

// BandFromChip maps a detector chip name to its band. Matching is by
// substring: chip names carry revision suffixes that vary between nights.
func BandFromChip(chip string) (Band, bool) {
	switch {
	case strings.Contains(chip, "HAWAII"):
		return BandL, true
	case strings.Contains(chip, "AQUARIUS"):
		return BandN, true
	}
	return "", false
}

// Mode is the fringe-tracking configuration an exposure was recorded in.
// Standalone and fringe-tracked data reduce and calibrate separately: the
// external tracker changes the effective integration scheme.
type Mode string

const (
	ModeStandalone    Mode = "standalone"
	ModeFringeTracked Mode = "fringe-tracked"
)

// Role tags an exposure as a science target or a calibration standard.
type Role string

const (
	RoleScience    Role = "science"
	RoleCalibrator Role = "calibrator"
)

// Resolution is the spectral resolution setting of the dispersive element.
type Resolution string

const (
	ResLow  Resolution = "low"
	ResMed  Resolution = "med"
	ResHigh Resolution = "high"
)

// ParseResolution normalizes a dispersive-element card value.
func ParseResolution(s string) (Resolution, bool) {
	switch Resolution(strings.ToLower(strings.TrimSpace(s))) {
	case ResLow:
		return ResLow, true
	case ResMed, "medium":
		return ResMed, true
	case ResHigh:
		return ResHigh, true
	}
	return "", false
}

// ArrayConfig names the telescope station layout of an observation.
type ArrayConfig string

const (
	ArraySmall    ArrayConfig = "small"
	ArrayMedium   ArrayConfig = "medium"
	ArrayLarge    ArrayConfig = "large"
	ArrayExtended ArrayConfig = "extended"
	ArrayUTs      ArrayConfig = "uts"
	ArrayOther    ArrayConfig = "other"
)

// IsUTs reports whether the layout uses the unit telescopes, which changes
// the spectral binning the reduction engine should apply at high resolution.
func (a ArrayConfig) IsUTs() bool { return a == ArrayUTs }

// arrayLayouts lists the quadruplets the interferometer schedules. Matching
// is order-insensitive; the relocatable stations are repositioned between
// runs so several quadruplets map to one named layout.
var arrayLayouts = []struct {
	stations string
	config   ArrayConfig
}{
	{"A0-B2-C1-D0", ArraySmall},
	{"A1-B2-C1-D0", ArraySmall},
	{"D0-G2-J3-K0", ArrayMedium},
	{"D0-G1-H0-I1", ArrayMedium},
	{"A0-G1-J2-J3", ArrayLarge},
	{"A0-G1-J2-K0", ArrayLarge},
	{"A1-G1-I1-K0", ArrayLarge},
	{"A1-G1-J3-K0", ArrayLarge},
	{"A0-B5-J2-J6", ArrayExtended},
	{"U1-U2-U3-U4", ArrayUTs},
}

// ArrayConfigFromStations maps the station quadruplet of an observation to
// its named layout, or ArrayOther when the quadruplet is not a scheduled
// configuration.
func ArrayConfigFromStations(stations []string) ArrayConfig {
	if len(stations) == 0 {
		return ArrayOther
	}
	sorted := make([]string, len(stations))
	for i, s := range stations {
		sorted[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	sort.Strings(sorted)
	key := strings.Join(sorted, "-")
	for _, layout := range arrayLayouts {
		parts := strings.Split(layout.stations, "-")
		sort.Strings(parts)
		if key == strings.Join(parts, "-") {
			return layout.config
		}
	}
	return ArrayOther
}

// DiameterSource records where a calibrator's angular diameter came from.
type DiameterSource string

const (
	DiameterCatalog DiameterSource = "catalog" // local diameter catalog
	DiameterHeader  DiameterSource = "header"  // calibrator database cards in the raw file
	DiameterDefault DiameterSource = "default" // configured fallback
)

// Diameter is a calibrator's angular diameter and its uncertainty, in
// milliarcseconds.
type Diameter struct {
	ValueMas float64        `json:"value_mas"`
	ErrMas   float64        `json:"err_mas"`
	Source   DiameterSource `json:"source"`
}

// Exposure is the cataloged metadata of one raw exposure file.
type Exposure struct {
	File       string      `json:"file"`
	Target     string      `json:"target"`
	RA         float64     `json:"ra_deg"`
	Dec        float64     `json:"dec_deg"`
	Time       time.Time   `json:"time"` // template start, UTC
	Mode       Mode        `json:"mode"`
	Band       Band        `json:"band"`
	Resolution Resolution  `json:"resolution"`
	Array      ArrayConfig `json:"array"`
	Role       Role        `json:"role"`
	Airmass    float64     `json:"airmass"`
	Seeing     float64     `json:"seeing_arcsec"`
	Tau0       float64     `json:"tau0_ms"`

	// CalDiameter is the diameter the observatory's calibrator database
	// stamped into the header, when present. Science exposures carry nil.
	CalDiameter *Diameter `json:"cal_diameter,omitempty"`
}

// GroupKey is the partition key for block grouping: exposures only ever
// share a block when all three fields match.
type GroupKey struct {
	Target string `json:"target"`
	Mode   Mode   `json:"mode"`
	Band   Band   `json:"band"`
}

// Key returns the exposure's partition key.
func (e Exposure) Key() GroupKey {
	return GroupKey{Target: e.Target, Mode: e.Mode, Band: e.Band}
}
