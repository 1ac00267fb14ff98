// Package pathutil provides path confinement helpers for the per-attempt
// scratch area: lexical checks on untrusted relative paths, and symlink
// aware resolution that refuses to leave a root directory.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscape indicates a path would leave its root directory.
var ErrEscape = errors.New("pathutil: path escapes root")

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// IsWithin reports whether path equals root or lies beneath it. Both are
// cleaned lexically; no symlinks are followed.
func IsWithin(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	// When root is "/", every absolute path is within it.
	if root == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// CheckRelative validates an untrusted relative path without touching the
// filesystem. It rejects empty paths, absolute paths, null bytes and any
// ".." component.
func CheckRelative(rel string) error {
	switch {
	case rel == "":
		return fmt.Errorf("%w: empty path", ErrEscape)
	case ContainsNullByte(rel):
		return fmt.Errorf("%w: path contains a null byte", ErrEscape)
	case filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\"):
		return fmt.Errorf("%w: %q is absolute", ErrEscape, rel)
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("%w: %q contains ..", ErrEscape, rel)
		}
	}
	return nil
}

// Confine joins rel onto root and returns the resulting absolute path,
// provided that it stays within root after resolving the symlinks of every
// component that already exists.
func Confine(root, rel string) (string, error) {
	if err := CheckRelative(rel); err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve root: %w", err)
	}

	joined := filepath.Join(realRoot, rel)
	existing := joined
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("pathutil: cannot resolve symlinks: %w", err)
	}
	if !IsWithin(realRoot, resolved) {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrEscape, rel, realRoot)
	}
	tail, err := filepath.Rel(existing, joined)
	if err != nil {
		return "", fmt.Errorf("pathutil: %w", err)
	}
	return filepath.Join(resolved, tail), nil
}
