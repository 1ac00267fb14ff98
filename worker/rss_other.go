//go:build !linux

package worker

import "errors"

const rssSupported = false

func readRSS(int) (uint64, error) {
	return 0, errors.New("resident set size not available on this platform")
}
