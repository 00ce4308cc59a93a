package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path escapes its workspace root.
var ErrOutsideRoot = errors.New("path escapes workspace")

// ResolveWithin joins a relative path onto root and verifies the result stays
// inside root. Absolute paths are accepted only when already under root.
func ResolveWithin(root, path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return candidate, nil
}
