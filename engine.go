package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
	"github.com/Simon-McIntosh/nucleai-sandbox/runner"
	"github.com/Simon-McIntosh/nucleai-sandbox/session"
	"github.com/Simon-McIntosh/nucleai-sandbox/validate"
	"github.com/Simon-McIntosh/nucleai-sandbox/worker"
)

const tracerName = "github.com/Simon-McIntosh/nucleai-sandbox"

// detectPlatformFn is the function used to detect the isolation platform.
// It can be overridden in tests.
var detectPlatformFn = worker.DefaultPlatform

// engine is the core Engine implementation. It drives sessions through
// validation and a runner, and records metrics, spans and the journal.
type engine struct {
	mu       sync.RWMutex
	closed   bool
	cfg      Config
	policy   *policy.Policy
	platform platform.Platform
	runner   runner.Runner
	pool     *worker.Pool // nil for inline engines
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	wg       sync.WaitGroup // sessions in flight
}

// newEngine validates cfg, fills in defaults, detects the platform and
// starts the runner according to Isolation and FallbackPolicy.
func newEngine(cfg *Config) (*engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Work on a copy so newEngine does not mutate the caller's Config.
	cfgCopy := deepCopyConfig(cfg)
	if cfgCopy.Policy == nil {
		cfgCopy.Policy = policy.Default()
	}
	if cfgCopy.ResourceLimits == nil {
		cfgCopy.ResourceLimits = DefaultResourceLimits()
	}

	logger := cfgCopy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfgCopy.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m, err := newMetrics(cfgCopy.Registerer)
	if err != nil {
		return nil, fmt.Errorf("%w: metrics: %w", ErrConfigInvalid, err)
	}

	e := &engine{
		cfg:     cfgCopy,
		policy:  cfgCopy.Policy,
		logger:  logger,
		metrics: m,
		tracer:  tp.Tracer(tracerName),
	}
	if cfgCopy.SubmissionRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfgCopy.SubmissionRate), max(cfgCopy.SubmissionBurst, 1))
	}

	if cfgCopy.Isolation == IsolationInline {
		e.platform = platform.NewUnsupportedPlatform()
		e.runner = runner.NewInline(runner.WithScratchRoot(cfgCopy.ScratchRoot), runner.WithLogger(logger))
		logger.Warn("sandbox engine running attempts inline, without process isolation")
		return e, nil
	}

	plat := detectPlatformFn(cfgCopy.RequireLandlock)
	e.platform = plat
	if !plat.Available() {
		switch cfgCopy.FallbackPolicy {
		case FallbackWarn:
			logger.Warn("sandbox platform unavailable, running workers without isolation",
				"platform", plat.Name())
		default:
			return nil, &PlatformError{Platform: plat.Name(), Problems: plat.CheckDependencies().Errors}
		}
	}

	pool, err := worker.NewPool(worker.Config{
		Size:            cfgCopy.Workers,
		Warm:            cfgCopy.WarmWorkers,
		ScratchRoot:     cfgCopy.ScratchRoot,
		Platform:        plat,
		AllowUnisolated: cfgCopy.FallbackPolicy == FallbackWarn,
		Namespaces:      cfgCopy.Namespaces,
		ResourceLimits:  cfgCopy.ResourceLimits,
		Logger:          logger,
	})
	switch {
	case errors.Is(err, worker.ErrWorkerStart):
		return nil, fmt.Errorf("sandbox: %w", err)
	case errors.Is(err, worker.ErrIsolationUnavailable):
		return nil, &PlatformError{Platform: plat.Name(), Problems: []string{err.Error()}}
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	e.pool = pool
	e.runner = pool
	m.watchPool(pool)
	return e, nil
}

// begin registers a call in flight. It fails once the engine is closed.
func (e *engine) begin() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *engine) resolvePolicy(p *policy.Policy) *policy.Policy {
	if p == nil {
		return e.policy
	}
	return p
}

// Validate checks source against p. It works after Cleanup: validation
// holds no resources.
func (e *engine) Validate(source string, p *policy.Policy, opts ...Option) validate.Report {
	co := mergeCallOptions(opts...)
	r := validate.Validate(source, e.resolvePolicy(p), co.validateOptions(nil)...)
	for _, v := range r.Violations {
		e.metrics.violations.WithLabelValues(v.Rule).Inc()
	}
	return r
}

// ExecuteOnce runs a session with a budget of one attempt and returns its
// final outcome.
func (e *engine) ExecuteOnce(ctx context.Context, source string, b *bind.Set, p *policy.Policy, opts ...Option) outcome.Outcome {
	once, err := e.resolvePolicy(p).Derive(policy.WithMaxAttempts(1))
	if err != nil {
		return outcome.Failed(outcome.FailSandbox, err.Error()).WithAttempt(1)
	}
	s := e.RunSession(ctx, source, b, once, nil, opts...)
	final, _ := s.Final()
	if final.Attempt() == 0 {
		// Cancelled before the attempt began.
		final = final.WithAttempt(1)
	}
	return final
}

// RunSession drives a session to a terminal state.
func (e *engine) RunSession(ctx context.Context, source string, b *bind.Set, p *policy.Policy, revise ReviseFunc, opts ...Option) *session.Session {
	co := mergeCallOptions(opts...)
	var sopts []session.Option
	if co.sessionID != "" {
		sopts = append(sopts, session.WithID(co.sessionID))
	}
	s := session.New(e.resolvePolicy(p), sopts...)
	logger := e.logger.With("session", s.ID())

	if !e.begin() {
		_ = s.Cancel(ErrEngineClosed.Error())
		return s
	}
	defer e.wg.Done()

	ctx, span := e.tracer.Start(ctx, "sandbox.session", trace.WithAttributes(
		attribute.String("session.id", s.ID()),
		attribute.Int("policy.max_attempts", s.Policy().MaxAttempts()),
	))
	defer span.End()

	sub := session.Submission{Source: source, Attempt: 1, Bindings: b}
	for {
		if err := context.Cause(ctx); err != nil {
			_ = s.Cancel(err.Error())
			break
		}
		if err := s.Begin(sub); err != nil {
			// Only a revise callback can produce a bad submission.
			logger.Error("revised submission rejected", "attempt", sub.Attempt, "err", err)
			_ = s.Abandon()
			break
		}
		o := e.attempt(ctx, s, sub, co)
		state, err := s.Finish(o)
		if err != nil {
			logger.Error("session transition failed", "attempt", sub.Attempt, "err", err)
			_ = s.Cancel(err.Error())
			break
		}
		if co.onAttempt != nil {
			attempts := s.Attempts()
			co.onAttempt(attempts[len(attempts)-1])
		}
		if state != session.Retryable {
			break
		}

		var next *session.Submission
		if revise != nil {
			next = revise(ctx, o)
		}
		if next == nil {
			if err := context.Cause(ctx); err != nil {
				_ = s.Cancel(err.Error())
			} else {
				_ = s.Abandon()
			}
			break
		}
		prev := sub
		sub = *next
		if sub.Attempt == 0 {
			sub.Attempt = s.NextAttempt()
		}
		if sub.Bindings == nil {
			sub.Bindings = prev.Bindings
		}
	}

	e.seal(ctx, s, span, logger)
	return s
}

// attempt validates and executes one submission of s. s is Validating on
// entry; a valid submission moves it to Executing.
func (e *engine) attempt(ctx context.Context, s *session.Session, sub session.Submission, co *callOptions) outcome.Outcome {
	ctx, span := e.tracer.Start(ctx, "sandbox.attempt", trace.WithAttributes(
		attribute.String("session.id", s.ID()),
		attribute.Int("attempt", sub.Attempt),
	))
	defer span.End()
	e.metrics.inflight.Inc()
	defer e.metrics.inflight.Dec()

	o := e.evaluate(ctx, s, sub, co).WithAttempt(sub.Attempt)

	e.metrics.observeAttempt(o)
	span.SetAttributes(attribute.String("status", string(o.Status())))
	if f, ok := o.Failure(); ok {
		span.SetAttributes(attribute.String("failure.kind", f.Kind))
	}
	e.logger.Info("attempt finished",
		"session", s.ID(),
		"attempt", sub.Attempt,
		"status", o.Status(),
		"duration", o.Duration(),
	)
	return o
}

func (e *engine) evaluate(ctx context.Context, s *session.Session, sub session.Submission, co *callOptions) outcome.Outcome {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return outcome.Cancelled(cause.Error())
			}
			// The wait would outlast the context deadline.
			return outcome.Cancelled(err.Error())
		}
	}

	p := s.Policy()
	report := validate.Validate(sub.Source, p, append(co.validateOptions(nil), validate.WithBindings(sub.Bindings))...)
	if !report.Valid {
		return report.Outcome()
	}
	if err := s.Validated(); err != nil {
		return outcome.Failed(outcome.FailInternal, err.Error())
	}

	scratchQuota := e.cfg.ScratchQuota
	if co.scratchQuota > 0 {
		scratchQuota = co.scratchQuota
	}
	maxOutput := e.cfg.MaxOutput
	if co.maxOutput > 0 {
		maxOutput = co.maxOutput
	}
	return e.runner.Run(ctx, runner.Request{
		Source:       sub.Source,
		Bindings:     sub.Bindings,
		Policy:       p,
		ScratchQuota: scratchQuota,
		MaxOutput:    maxOutput,
	})
}

// seal records a terminal session in metrics, the span and the journal.
func (e *engine) seal(ctx context.Context, s *session.Session, span trace.Span, logger *slog.Logger) {
	state := s.State()
	e.metrics.observeSession(state.String())
	span.SetAttributes(
		attribute.String("session.state", state.String()),
		attribute.Int("session.attempts", len(s.Attempts())),
	)
	if state != session.Succeeded {
		span.SetStatus(codes.Error, state.String())
	}
	logger.Info("session sealed", "state", state, "attempts", len(s.Attempts()))

	if e.cfg.Journal == nil {
		return
	}
	if err := e.cfg.Journal.Record(context.WithoutCancel(ctx), s.Summary()); err != nil {
		logger.Error("session journal write failed", "err", err)
	}
}

// Available reports whether attempts run in isolated workers.
func (e *engine) Available() bool {
	return e.pool != nil && e.pool.Isolated()
}

// CheckDependencies reports the platform checks. Inline engines report an
// error: nothing isolates their attempts.
func (e *engine) CheckDependencies() *DependencyCheck {
	if e.pool == nil {
		return &DependencyCheck{Errors: []string{"attempts run inline without process isolation"}}
	}
	check := e.platform.CheckDependencies()
	if !e.pool.Isolated() {
		check.Warnings = append(check.Warnings, "workers run without isolation (FallbackWarn)")
	}
	return check
}

// Ping runs "return 1" on the runner. Pool failures wrap ErrWorkerStart.
func (e *engine) Ping(ctx context.Context) error {
	if !e.begin() {
		return ErrEngineClosed
	}
	defer e.wg.Done()
	if e.pool != nil {
		return e.pool.Ping(ctx)
	}
	o := e.runner.Run(ctx, runner.Request{Source: "return 1"})
	if o.Kind() != outcome.KindSuccess {
		return fmt.Errorf("sandbox: %s attempt ended %s", e.runner.Name(), o.Status())
	}
	return nil
}

// Cleanup stops accepting sessions, waits for the running ones and closes
// the runner.
func (e *engine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("cleanup: sessions still running", "err", ctx.Err())
	}

	if e.pool != nil {
		e.metrics.unwatchPool()
	}
	return e.runner.Close(ctx)
}
