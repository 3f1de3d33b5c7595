// Package security guards filesystem writes whose path components come from
// exposure headers. Target names are free-form telescope operator input and
// must never be able to escape the product tree.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeComponent reduces a header-derived name to a single safe path component.
// Characters outside [A-Za-z0-9._+-] become '-', runs collapse, and leading
// dots and dashes are stripped so a name can never become "..". Empty input
// yields "unknown".
func SafeComponent(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '+', r == '-':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	out := strings.TrimLeft(b.String(), ".-")
	out = strings.TrimRight(out, "-")
	if out == "" {
		return "unknown"
	}
	return out
}

// ValidatePathWithinDirectory checks that a file path stays inside the given
// root directory once cleaned and made absolute. It rejects traversal via ..
// components or absolute escapes before anything is written.
func ValidatePathWithinDirectory(filePath, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}

	relPath, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return fmt.Errorf("path is outside root directory: %w", err)
	}

	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, root)
	}

	return nil
}
