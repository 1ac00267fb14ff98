//go:build linux

package worker

import (
	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
	"github.com/Simon-McIntosh/nucleai-sandbox/platform/linux"
)

func sandboxInit() bool {
	return linux.MaybeSandboxInit()
}

// DefaultPlatform returns the isolation platform of the running OS.
func DefaultPlatform(requireLandlock bool) platform.Platform {
	if requireLandlock {
		return linux.New(linux.RequireLandlock())
	}
	return linux.New()
}
