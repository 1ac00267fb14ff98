package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Simon-McIntosh/nucleai-sandbox/internal/pathutil"
)

// ScratchPrefix is the name prefix of every per-attempt scratch directory.
const ScratchPrefix = "nucleai-scratch-"

// ErrScratchResidue is returned when a scratch directory survives removal.
var ErrScratchResidue = errors.New("runner: scratch directory not removed")

// NewScratchDir creates an empty, private scratch directory under root, or
// under os.TempDir() when root is empty.
func NewScratchDir(root string) (string, error) {
	if root != "" && pathutil.ContainsNullByte(root) {
		return "", fmt.Errorf("scratch root %q: %w", root, pathutil.ErrEscape)
	}
	dir, err := os.MkdirTemp(root, ScratchPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, nil
}

// RemoveScratchDir deletes dir and everything in it, then checks that it is
// really gone. Removing a directory that does not exist is not an error.
func RemoveScratchDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch directory %s: %w", dir, err)
	}
	if _, err := os.Lstat(dir); !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrScratchResidue, dir)
	}
	return nil
}
