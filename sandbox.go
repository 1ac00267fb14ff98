package sandbox

import (
	"context"
	"log/slog"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
	"github.com/Simon-McIntosh/nucleai-sandbox/session"
	"github.com/Simon-McIntosh/nucleai-sandbox/validate"
)

// Engine validates and executes submitted code.
// Use NewEngine to create an instance with a specific configuration.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Engine interface {
	// Validate statically checks source against p without executing it.
	// A nil p means the engine's default policy.
	Validate(source string, p *policy.Policy, opts ...Option) validate.Report

	// ExecuteOnce validates and, if valid, executes source a single time.
	// The outcome is never zero and carries attempt number 1.
	ExecuteOnce(ctx context.Context, source string, b *bind.Set, p *policy.Policy, opts ...Option) outcome.Outcome

	// RunSession drives a refinement session: each retryable outcome is
	// passed to revise, whose submission becomes the next attempt. The
	// returned session is sealed. A nil revise, or a revise returning nil,
	// abandons the session after the first retryable outcome.
	RunSession(ctx context.Context, source string, b *bind.Set, p *policy.Policy, revise ReviseFunc, opts ...Option) *session.Session

	// Available reports whether attempts run in isolated workers.
	Available() bool

	// CheckDependencies inspects the system for required and optional
	// isolation features.
	CheckDependencies() *DependencyCheck

	// Ping runs a trivial attempt outside any session and reports whether
	// the runner starts and answers.
	Ping(ctx context.Context) error

	// Cleanup releases all resources held by the engine. After Cleanup,
	// sessions end Cancelled and attempts fail with a sandbox-failure.
	Cleanup(ctx context.Context) error
}

// ReviseFunc returns the next submission after the retryable outcome prev.
// Returning nil abandons the session. A zero Attempt is filled in; nil
// Bindings keep the bindings of the previous attempt.
type ReviseFunc func(ctx context.Context, prev outcome.Outcome) *session.Submission

// NewEngine creates a new Engine with the given configuration.
// The configuration is validated before the engine is created.
//
// If workers cannot be isolated, behavior depends on FallbackPolicy:
//   - FallbackStrict (default): returns a *PlatformError wrapping
//     ErrUnsupportedPlatform.
//   - FallbackWarn: workers run as plain child processes.
func NewEngine(cfg *Config) (Engine, error) {
	return newEngine(cfg)
}

// Execute is a convenience function that creates a temporary engine from
// DefaultConfig, executes source once under the default policy, and
// cleans up.
func Execute(ctx context.Context, source string, b *bind.Set, opts ...Option) (outcome.Outcome, error) {
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		return outcome.Outcome{}, err
	}
	defer func() { logCleanupErr(e.Cleanup(context.WithoutCancel(ctx))) }()
	return e.ExecuteOnce(ctx, source, b, nil, opts...), nil
}

// Check validates source against p without an engine. A nil p means
// policy.Default().
func Check(source string, p *policy.Policy, opts ...Option) validate.Report {
	if p == nil {
		p = policy.Default()
	}
	return validate.Validate(source, p, mergeCallOptions(opts...).validateOptions(nil)...)
}

// logCleanupErr logs cleanup errors using the default logger.
func logCleanupErr(err error) {
	if err != nil {
		slog.Debug("sandbox: cleanup error", "err", err)
	}
}
