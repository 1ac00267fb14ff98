package platform

import (
	"context"
	"errors"
	"os/exec"
)

// unsupportedName is the name returned by the unsupported platform stub.
const unsupportedName = "unsupported"

// unsupportedPlatform is returned on operating systems without worker isolation.
type unsupportedPlatform struct{}

func (p *unsupportedPlatform) Name() string { return unsupportedName }

func (p *unsupportedPlatform) Available() bool { return false }

func (p *unsupportedPlatform) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{
		Errors: []string{"worker isolation is not supported on this operating system"},
	}
}

func (p *unsupportedPlatform) WrapCommand(_ context.Context, _ *exec.Cmd, _ *WrapConfig) error {
	return errors.New("worker isolation not supported on this operating system")
}

func (p *unsupportedPlatform) Cleanup(_ context.Context) error {
	return nil
}

func (p *unsupportedPlatform) Capabilities() Capabilities {
	return Capabilities{}
}

// NewUnsupportedPlatform returns a Platform that always reports as unavailable.
// Worker pools built on it run their children without isolation, which is
// only acceptable for trusted code and tests.
func NewUnsupportedPlatform() Platform {
	return &unsupportedPlatform{}
}
