package worker

import (
	"bufio"
	"bytes"
	"strings"
)

// limitedBuffer collects up to limit bytes and silently drops the rest,
// so a chatty worker never blocks on a full pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	// Report the full length to avoid io.ErrShortWrite.
	if _, err := w.buf.Write(p[:remaining]); err != nil {
		return 0, err
	}
	w.truncated = true
	return len(p), nil
}

func (w *limitedBuffer) Bytes() []byte  { return w.buf.Bytes() }
func (w *limitedBuffer) String() string { return w.buf.String() }

// initFailure returns the first fatal message of the sandbox-init stage in
// stderr. Warnings are skipped.
func initFailure(stderr string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		line := sc.Text()
		rest, ok := strings.CutPrefix(line, initPrefix)
		if !ok || strings.HasPrefix(rest, "warning:") {
			continue
		}
		return rest, true
	}
	return "", false
}

// initWarning returns the first sandbox-init warning in stderr.
func initWarning(stderr string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), initPrefix+"warning: "); ok {
			return rest, true
		}
	}
	return "", false
}

// tail returns at most the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
