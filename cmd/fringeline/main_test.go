package main

import (
	"testing"

	"github.com/helikon-data/fringeline/internal/obs"
)

func TestFlagDefaults(t *testing.T) {
	if *dryRun != false {
		t.Errorf("expected dry-run default to be false, got %v", *dryRun)
	}
	if *workersFlag != 0 {
		t.Errorf("expected workers default to be 0 (use config), got %d", *workersFlag)
	}
	if *resumeID != "" {
		t.Errorf("expected resume default to be empty, got %q", *resumeID)
	}
}

func TestDropUsable(t *testing.T) {
	in := []obs.ObservationBlock{{ID: "sci-1"}, {ID: "sci-2"}, {ID: "sci-3"}}
	usable := map[string]bool{"sci-2": true}

	out := dropUsable(in, usable)

	if len(out) != 2 {
		t.Fatalf("expected 2 blocks to survive, got %d", len(out))
	}
	if out[0].ID != "sci-1" || out[1].ID != "sci-3" {
		t.Errorf("wrong blocks kept: %s, %s", out[0].ID, out[1].ID)
	}
}

func TestDropUsableAll(t *testing.T) {
	in := []obs.ObservationBlock{{ID: "sci-1"}}
	out := dropUsable(in, map[string]bool{"sci-1": true})
	if len(out) != 0 {
		t.Errorf("expected no blocks to survive, got %d", len(out))
	}
}

// TestTrimCalibrators mirrors the resume rule in main: a calibrator is kept
// when a re-run science block needs it, or when it never reached a usable
// state itself.
func TestTrimCalibrators(t *testing.T) {
	tests := []struct {
		name     string
		assigned bool
		usable   bool
		wantKept bool
	}{
		{
			name:     "assigned and previously usable - kept for its science block",
			assigned: true,
			usable:   true,
			wantKept: true,
		},
		{
			name:     "assigned and previously failed - kept",
			assigned: true,
			usable:   false,
			wantKept: true,
		},
		{
			name:     "unassigned and previously failed - kept for retry",
			assigned: false,
			usable:   false,
			wantKept: true,
		},
		{
			name:     "unassigned and previously usable - dropped",
			assigned: false,
			usable:   true,
			wantKept: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cals := []obs.ObservationBlock{{ID: "cal-1"}}
			assigned := map[string]bool{}
			if tc.assigned {
				assigned["cal-1"] = true
			}
			usable := map[string]bool{}
			if tc.usable {
				usable["cal-1"] = true
			}

			out := trimCalibrators(cals, assigned, usable)

			kept := len(out) == 1
			if kept != tc.wantKept {
				t.Errorf("kept = %v, want %v", kept, tc.wantKept)
			}
		})
	}
}
