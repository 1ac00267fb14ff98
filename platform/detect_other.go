//go:build !linux

package platform

// detectPlatform returns an unsupported platform stub: worker isolation
// is only implemented for Linux.
func detectPlatform() Platform {
	return &unsupportedPlatform{}
}
