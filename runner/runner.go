// Package runner defines the executor boundary: a Runner takes one
// validated attempt and turns it into an outcome.
//
// Two implementations exist. Inline, in this package, evaluates the code on
// a goroutine of the calling process and is meant for trusted callers and
// for hosts where process isolation is unavailable. worker.Pool runs every
// attempt in a fresh, hardened child process and is the default.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Simon-McIntosh/nucleai-sandbox/interp"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
)

// Request is one attempt handed to a Runner.
type Request = interp.Request

// ErrRunnerClosed is reported, as a sandbox-failure outcome, by a Runner
// used after Close.
var ErrRunnerClosed = errors.New("runner: closed")

// Runner executes validated attempts.
//
// Contract:
//   - Run never panics and never returns a zero Outcome.
//   - Run returns a Cancelled outcome when ctx is cancelled before the
//     attempt produces a result.
//   - Every per-attempt resource (scratch directory, process) is released
//     before Run returns.
//   - Implementations are safe for concurrent use.
type Runner interface {
	// Name identifies the runner in logs and metrics.
	Name() string

	// Run executes req and returns its outcome.
	Run(ctx context.Context, req Request) outcome.Outcome

	// Close releases the runner. Later Run calls fail with a
	// sandbox-failure outcome.
	Close(ctx context.Context) error
}

// Inline runs attempts in-process. The deadline is enforced by cancelling
// the interpreter thread; the memory ceiling is a best-effort heap sample
// shared with every other goroutine of the process.
type Inline struct {
	scratchRoot string
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// InlineOption configures an Inline runner.
type InlineOption func(*Inline)

// WithScratchRoot sets the directory under which per-attempt scratch
// directories are created. The default is os.TempDir().
func WithScratchRoot(dir string) InlineOption {
	return func(r *Inline) { r.scratchRoot = dir }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) InlineOption {
	return func(r *Inline) { r.logger = l }
}

// NewInline returns an in-process runner.
func NewInline(opts ...InlineOption) *Inline {
	r := &Inline{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Name returns "inline".
func (r *Inline) Name() string { return "inline" }

// Run evaluates req on the calling process. A scratch directory is created
// for the attempt unless req.ScratchDir is already set, and removed before
// Run returns.
func (r *Inline) Run(ctx context.Context, req Request) outcome.Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return outcome.Failed(outcome.FailSandbox, ErrRunnerClosed.Error())
	}

	if req.ScratchDir == "" {
		dir, err := NewScratchDir(r.scratchRoot)
		if err != nil {
			return outcome.Failed(outcome.FailSandbox, err.Error())
		}
		req.ScratchDir = dir
		defer func() {
			if err := RemoveScratchDir(dir); err != nil {
				r.logger.Error("inline runner: scratch cleanup failed", "dir", dir, "err", err)
			}
		}()
	}
	return interp.Run(ctx, req)
}

// Close marks the runner closed. It waits for attempts in flight.
func (r *Inline) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
