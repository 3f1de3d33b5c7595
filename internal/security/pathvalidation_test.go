package security

import (
	"path/filepath"
	"testing"
)

func TestSafeComponent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "HD142666", "HD142666"},
		{"space", "HD 142666", "HD-142666"},
		{"multiple separators", "V* AB Aur", "V-AB-Aur"},
		{"slash injection", "../../etc/passwd", "etc-passwd"},
		{"dots only", "..", "unknown"},
		{"empty", "", "unknown"},
		{"leading dot", ".hidden", "hidden"},
		{"keeps plus", "TYC 5899-26-1+x", "TYC-5899-26-1+x"},
		{"collapses runs", "a   b", "a-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeComponent(tt.in); got != tt.want {
				t.Errorf("SafeComponent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()

	if err := ValidatePathWithinDirectory(filepath.Join(root, "a", "b.json"), root); err != nil {
		t.Errorf("nested path rejected: %v", err)
	}

	if err := ValidatePathWithinDirectory(filepath.Join(root, "..", "escape.json"), root); err == nil {
		t.Error("parent escape accepted")
	}

	if err := ValidatePathWithinDirectory("/etc/passwd", root); err == nil {
		t.Error("absolute path outside root accepted")
	}

	// The root itself is inside the root.
	if err := ValidatePathWithinDirectory(root, root); err != nil {
		t.Errorf("root itself rejected: %v", err)
	}
}
