//go:build linux

package linux

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion is a parsed Linux kernel release.
type KernelVersion struct {
	Major, Minor, Patch int
}

// unameFn is overridden in tests.
var unameFn = unix.Uname

// DetectKernelVersion returns the version of the running kernel.
func DetectKernelVersion() (KernelVersion, error) {
	var uts unix.Utsname
	if err := unameFn(&uts); err != nil {
		return KernelVersion{}, fmt.Errorf("uname: %w", err)
	}
	return ParseKernelVersion(unix.ByteSliceToString(uts.Release[:]))
}

// ParseKernelVersion parses a release string such as "6.8.0-45-generic".
// Anything after major.minor.patch is ignored.
func ParseKernelVersion(s string) (KernelVersion, error) {
	release := s
	if idx := strings.IndexAny(s, "-+ "); idx != -1 {
		s = s[:idx]
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return KernelVersion{}, fmt.Errorf("invalid kernel version: %q", release)
	}
	var v KernelVersion
	for i, dst := range []*int{&v.Major, &v.Minor, &v.Patch} {
		if i >= len(parts) || (i == 2 && parts[i] == "") {
			break
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return KernelVersion{}, fmt.Errorf("invalid kernel version %q: %w", release, err)
		}
		*dst = n
	}
	return v, nil
}

// AtLeast reports whether v is at least major.minor.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// String returns the version in "major.minor.patch" format.
func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
