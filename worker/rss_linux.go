//go:build linux

package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const rssSupported = true

// readRSS returns the resident set size of pid in bytes, from the second
// field of /proc/<pid>/statm.
func readRSS(pid int) (uint64, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm for pid %d", pid)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("statm resident field: %w", err)
	}
	return pages * uint64(os.Getpagesize()), nil //nolint:gosec // page size is positive
}
