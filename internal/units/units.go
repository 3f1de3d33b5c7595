// Package units converts between the angular and wavelength units the
// pipeline mixes: angular diameters are stored in milliarcseconds, the
// visibility model wants radians, and spectral grids are stored in metres.
package units

import "math"

const (
	masPerArcsec = 1e3
	arcsecPerDeg = 3600.0
	radPerDeg    = math.Pi / 180.0
)

// MasToRad converts milliarcseconds to radians.
func MasToRad(mas float64) float64 {
	return mas / masPerArcsec / arcsecPerDeg * radPerDeg
}

// RadToMas converts radians to milliarcseconds.
func RadToMas(rad float64) float64 {
	return rad / radPerDeg * arcsecPerDeg * masPerArcsec
}

// MicronsToMeters converts a wavelength in micrometres to metres.
func MicronsToMeters(um float64) float64 {
	return um * 1e-6
}
