//go:build !linux

package worker

import "github.com/Simon-McIntosh/nucleai-sandbox/platform"

func sandboxInit() bool { return false }

// DefaultPlatform returns the isolation platform of the running OS.
func DefaultPlatform(bool) platform.Platform {
	return platform.Detect()
}
