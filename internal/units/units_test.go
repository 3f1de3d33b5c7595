package units

import (
	"math"
	"testing"
)

func TestMasRadRoundTrip(t *testing.T) {
	// A 3 mas disk, roughly the diameter of a bright nearby calibrator.
	mas := 3.0
	rad := MasToRad(mas)

	// 1 mas = 4.8481e-9 rad
	if math.Abs(rad-mas*4.84813681e-9) > 1e-15 {
		t.Errorf("MasToRad(%f) = %e", mas, rad)
	}

	back := RadToMas(rad)
	if math.Abs(back-mas) > 1e-9 {
		t.Errorf("round trip = %f, want %f", back, mas)
	}
}

func TestMicronsToMeters(t *testing.T) {
	if got := MicronsToMeters(10.5); math.Abs(got-10.5e-6) > 1e-15 {
		t.Errorf("MicronsToMeters(10.5) = %e, want 1.05e-05", got)
	}
}
