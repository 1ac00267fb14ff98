//go:build linux

package platform

import (
	"context"
	"errors"
	"os/exec"
)

// detectPlatform returns a placeholder for Linux. The real implementation
// in platform/linux imports this package, so it is wired in by the worker
// package instead.
func detectPlatform() Platform {
	return &builtinLinuxPlatform{}
}

// builtinLinuxPlatform reports itself unavailable so that a caller that
// forgot to install platform/linux fails closed.
type builtinLinuxPlatform struct{}

func (p *builtinLinuxPlatform) Name() string { return "linux-builtin" }

func (p *builtinLinuxPlatform) Available() bool { return false }

func (p *builtinLinuxPlatform) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{
		Errors: []string{"built-in stub: the platform/linux package is not installed"},
	}
}

func (p *builtinLinuxPlatform) WrapCommand(_ context.Context, _ *exec.Cmd, _ *WrapConfig) error {
	return errors.New("linux-builtin: stub does not implement WrapCommand; use platform/linux")
}

func (p *builtinLinuxPlatform) Cleanup(_ context.Context) error { return nil }

func (p *builtinLinuxPlatform) Capabilities() Capabilities { return Capabilities{} }
