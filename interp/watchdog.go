package interp

import (
	"context"
	"runtime"
	"runtime/metrics"
	"time"

	"go.starlark.net/starlark"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
)

const (
	// heapSampleInterval is how often the heap watchdog samples.
	heapSampleInterval = 10 * time.Millisecond

	// cancelGrace is how long a cancelled thread may take to unwind before
	// the outcome is returned without it.
	cancelGrace = 250 * time.Millisecond

	heapMetric = "/memory/classes/heap/objects:bytes"
)

type limits struct {
	timeout time.Duration
	memory  int64
}

// heapObjects returns the bytes occupied by heap objects, live or not yet
// swept.
func heapObjects() uint64 {
	s := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// watch waits for the evaluation to finish, cancelling the thread when the
// context ends, the deadline passes, or the heap grows past the memory
// limit above its level at start.
func watch(ctx context.Context, thread *starlark.Thread, done <-chan outcome.Outcome, lim limits) outcome.Outcome {
	var deadline <-chan time.Time
	if lim.timeout > 0 {
		t := time.NewTimer(lim.timeout)
		defer t.Stop()
		deadline = t.C
	}
	var tick <-chan time.Time
	var ceiling uint64
	if lim.memory > 0 {
		ceiling = heapObjects() + uint64(lim.memory)
		tk := time.NewTicker(heapSampleInterval)
		defer tk.Stop()
		tick = tk.C
	}

	for {
		select {
		case o := <-done:
			return o
		case <-ctx.Done():
			return abort(thread, done, "cancelled", outcome.Cancelled(context.Cause(ctx).Error()))
		case <-deadline:
			return abort(thread, done, "timeout", outcome.Exceeded(outcome.ResourceTimeout))
		case <-tick:
			if heapObjects() <= ceiling {
				continue
			}
			// Collect before deciding; the sample includes garbage.
			runtime.GC()
			if heapObjects() > ceiling {
				return abort(thread, done, "memory limit exceeded", outcome.Exceeded(outcome.ResourceMemory))
			}
		}
	}
}

// abort cancels the thread and returns o. A result that was already
// complete wins over o.
func abort(thread *starlark.Thread, done <-chan outcome.Outcome, reason string, o outcome.Outcome) outcome.Outcome {
	select {
	case finished := <-done:
		return finished
	default:
	}
	thread.Cancel(reason)
	select {
	case <-done:
	case <-time.After(cancelGrace):
	}
	return o
}
