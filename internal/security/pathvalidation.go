// Package security validates user-supplied names before they become paths.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath, once cleaned, stays
// inside safeDir. The check is lexical so it works on in-memory filesystems.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	cleanPath := filepath.Clean(filePath)
	cleanDir := filepath.Clean(safeDir)

	relPath, err := filepath.Rel(cleanDir, cleanPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == "." || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// ValidateFileLabel checks that label can be used verbatim as a single file
// name: it must be non-empty, contain no path separators or NUL bytes and
// not be a dot entry.
func ValidateFileLabel(label string) error {
	switch {
	case strings.TrimSpace(label) == "":
		return fmt.Errorf("empty label")
	case label == "." || label == "..":
		return fmt.Errorf("invalid label %q", label)
	case strings.ContainsAny(label, `/\`+"\x00"):
		return fmt.Errorf("label %q must not contain path separators", label)
	}
	return nil
}

// LabelPath joins dir, label and ext after validating the label.
func LabelPath(dir, label, ext string) (string, error) {
	if err := ValidateFileLabel(label); err != nil {
		return "", err
	}
	p := filepath.Join(dir, label+ext)
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}
