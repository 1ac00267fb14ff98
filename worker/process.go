package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
)

// process is one started worker.
type process struct {
	id      string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *limitedBuffer
	stderr  *limitedBuffer
	scratch string
	done    chan struct{}
	waitErr error
}

func (w *process) send(data []byte) {
	_, _ = w.stdin.Write(data)
	_ = w.stdin.Close()
}

func (w *process) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// result decodes the outcome written by an exited worker.
func (w *process) result() (outcome.Outcome, bool) {
	if !w.exited() || w.stdout.truncated {
		return outcome.Outcome{}, false
	}
	var o outcome.Outcome
	if err := json.Unmarshal(w.stdout.Bytes(), &o); err != nil || o.IsZero() {
		return outcome.Outcome{}, false
	}
	return o, true
}

// describeExit explains how a worker without an outcome ended.
func describeExit(err error) string {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		if err == nil {
			return "worker exited without a result"
		}
		return "worker failed: " + err.Error()
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return "worker killed by signal " + ws.Signal().String()
	}
	return fmt.Sprintf("worker exited with status %d", exitErr.ExitCode())
}
