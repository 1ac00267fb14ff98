package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Simon-McIntosh/nucleai-sandbox/worker"
)

// Sentinel errors returned by the sandbox package.
var (
	// ErrUnsupportedPlatform indicates workers cannot be isolated on this
	// host and the FallbackPolicy is strict.
	ErrUnsupportedPlatform = errors.New("sandbox: unsupported platform")

	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("sandbox: invalid configuration")

	// ErrEngineClosed indicates the engine has already been closed via Cleanup.
	ErrEngineClosed = errors.New("sandbox: engine already closed")

	// ErrWorkerStart indicates the worker pool could not start a worker.
	ErrWorkerStart = worker.ErrWorkerStart
)

// PlatformError is returned by NewEngine when process isolation is
// unavailable under FallbackStrict. It wraps ErrUnsupportedPlatform so that
// errors.Is(err, ErrUnsupportedPlatform) still works.
type PlatformError struct {
	// Platform is the name of the detected platform.
	Platform string
	// Problems lists the failed dependency checks.
	Problems []string
}

func (e *PlatformError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s: %s", ErrUnsupportedPlatform.Error(), e.Platform)
	}
	return fmt.Sprintf("%s: %s: %s", ErrUnsupportedPlatform.Error(), e.Platform, strings.Join(e.Problems, "; "))
}

func (e *PlatformError) Unwrap() error {
	return ErrUnsupportedPlatform
}
