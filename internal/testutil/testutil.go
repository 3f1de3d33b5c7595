// Package testutil generates synthetic raw-exposure fixtures for tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/helikon-data/fringeline/internal/fitshdr"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/obs"
)

// RawFile describes one synthetic raw exposure for fixture generation.
// Zero-valued fields get observation-plausible defaults so tests only spell
// out what they assert on.
type RawFile struct {
	Path    string
	Target  string
	Time    time.Time
	Band    obs.Band
	Mode    obs.Mode
	Role    obs.Role
	Airmass float64
	Seeing  float64
	Tau0Sec float64 // header card unit, seconds

	Resolution string   // dispersive element card, e.g. "LOW"
	Stations   []string // nil means the small AT quadruplet
	DiamMas    float64  // calibrator database diameter card, 0 omits it
	DiamErrMas float64

	// DropCards removes header cards after assembly, for malformed-file
	// fixtures. Keys are header keys without the HIERARCH prefix.
	DropCards []string
}

func (rf *RawFile) applyDefaults() {
	if rf.Target == "" {
		rf.Target = "HD 142666"
	}
	if rf.Time.IsZero() {
		rf.Time = time.Date(2021, 3, 1, 0, 24, 11, 0, time.UTC)
	}
	if rf.Band == "" {
		rf.Band = obs.BandL
	}
	if rf.Mode == "" {
		rf.Mode = obs.ModeStandalone
	}
	if rf.Role == "" {
		rf.Role = obs.RoleScience
	}
	if rf.Airmass == 0 {
		rf.Airmass = 1.5
	}
	if rf.Seeing == 0 {
		rf.Seeing = 0.9
	}
	if rf.Tau0Sec == 0 {
		rf.Tau0Sec = 4.2e-3
	}
	if rf.Resolution == "" {
		rf.Resolution = "LOW"
	}
	if rf.Stations == nil {
		rf.Stations = []string{"A0", "B2", "C1", "D0"}
	}
	if rf.Path == "" {
		rf.Path = fmt.Sprintf("raw/MATIS.%s.fits", rf.Time.Format("2006-01-02T15:04:05"))
	}
}

// Cards assembles the primary-header cards for the raw file.
func (rf RawFile) Cards() []fitshdr.Card {
	rf.applyDefaults()

	chip := "HAWAII-2RG"
	if rf.Band == obs.BandN {
		chip = "AQUARIUS"
	}
	sensor := "NONE"
	if rf.Mode == obs.ModeFringeTracked {
		sensor = "GRAVITY"
	}
	obsName := fmt.Sprintf("CAL_%s", strings.ReplaceAll(rf.Target, " ", "_"))
	catg := "CALIB"
	if rf.Role == obs.RoleScience {
		obsName = fmt.Sprintf("SCI_%s", strings.ReplaceAll(rf.Target, " ", "_"))
		catg = "SCIENCE"
	}

	cards := []fitshdr.Card{
		{Key: "OBJECT", Value: rf.Target},
		{Key: "RA", Value: "238.1424"},
		{Key: "DEC", Value: "-22.0278"},
		{Key: "DATE-OBS", Value: rf.Time.Format("2006-01-02T15:04:05")},
		{Key: "INSTRUME", Value: "MATISSE"},
		{Key: "ESO OBS TARG NAME", Value: rf.Target},
		{Key: "ESO OBS NAME", Value: obsName},
		{Key: "ESO DPR CATG", Value: catg},
		{Key: "ESO TPL START", Value: rf.Time.Format("2006-01-02T15:04:05")},
		{Key: "ESO DET CHIP NAME", Value: chip},
		{Key: "ESO DEL FT SENSOR", Value: sensor},
		{Key: "ESO INS DIN NAME", Value: rf.Resolution},
		{Key: "ESO ISS AIRM START", Value: formatFloat(rf.Airmass - 0.01)},
		{Key: "ESO ISS AIRM END", Value: formatFloat(rf.Airmass + 0.01)},
		{Key: "ESO ISS AMBI FWHM START", Value: formatFloat(rf.Seeing)},
		{Key: "ESO ISS AMBI FWHM END", Value: formatFloat(rf.Seeing)},
		{Key: "ESO ISS AMBI TAU0 START", Value: formatFloat(rf.Tau0Sec)},
		{Key: "ESO ISS AMBI TAU0 END", Value: formatFloat(rf.Tau0Sec)},
	}
	for i, st := range rf.Stations {
		cards = append(cards, fitshdr.Card{
			Key:   fmt.Sprintf("ESO ISS CONF STATION%d", i+1),
			Value: st,
		})
	}
	if rf.DiamMas > 0 {
		cards = append(cards,
			fitshdr.Card{Key: "ESO PRO CAL DB DIAM", Value: formatFloat(rf.DiamMas)},
			fitshdr.Card{Key: "ESO PRO CAL DB ERRDIAM", Value: formatFloat(rf.DiamErrMas)},
		)
	}

	if len(rf.DropCards) > 0 {
		drop := make(map[string]bool, len(rf.DropCards))
		for _, k := range rf.DropCards {
			drop[k] = true
		}
		kept := cards[:0]
		for _, c := range cards {
			if !drop[c.Key] {
				kept = append(kept, c)
			}
		}
		cards = kept
	}
	return cards
}

// WriteRaw writes the raw file's header into fsys and returns its path.
func WriteRaw(t *testing.T, fsys fsutil.FileSystem, rf RawFile) string {
	t.Helper()
	rf.applyDefaults()

	var b strings.Builder
	if err := fitshdr.Write(&b, rf.Cards()); err != nil {
		t.Fatalf("encoding fixture header: %v", err)
	}
	if err := fsys.WriteFile(rf.Path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("writing fixture %s: %v", rf.Path, err)
	}
	return rf.Path
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
