package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/Simon-McIntosh/nucleai-sandbox/internal/pathutil"
	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
	"github.com/Simon-McIntosh/nucleai-sandbox/session"
)

// unknownStr is the string representation for unknown enum values.
const unknownStr = "unknown"

// FallbackPolicy determines behavior when process isolation is unavailable.
type FallbackPolicy int

const (
	// FallbackStrict refuses to create an engine if workers cannot be isolated.
	FallbackStrict FallbackPolicy = iota

	// FallbackWarn runs workers as plain child processes and logs a warning.
	FallbackWarn
)

// String returns the string representation of a FallbackPolicy.
func (f FallbackPolicy) String() string {
	switch f {
	case FallbackStrict:
		return "strict"
	case FallbackWarn:
		return "warn"
	default:
		return unknownStr
	}
}

// ParseFallbackPolicy converts "strict" or "warn" into a FallbackPolicy.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return FallbackStrict, nil
	case "warn":
		return FallbackWarn, nil
	default:
		return 0, fmt.Errorf("%w: unknown fallback policy %q", ErrConfigInvalid, s)
	}
}

// Isolation selects the executor.
type Isolation int

const (
	// IsolationWorker runs every attempt in a fresh worker process.
	IsolationWorker Isolation = iota

	// IsolationInline runs attempts on a goroutine of the host process.
	// Only the interpreter and the static validator stand between the code
	// and the host; use it for trusted callers and tests.
	IsolationInline
)

// String returns the string representation of an Isolation.
func (i Isolation) String() string {
	switch i {
	case IsolationWorker:
		return "worker"
	case IsolationInline:
		return "inline"
	default:
		return unknownStr
	}
}

// ParseIsolation converts "worker" or "inline" into an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "worker":
		return IsolationWorker, nil
	case "inline":
		return IsolationInline, nil
	default:
		return 0, fmt.Errorf("%w: unknown isolation %q", ErrConfigInvalid, s)
	}
}

// ResourceLimits specifies rlimits for worker processes.
// It is an alias for platform.ResourceLimits.
type ResourceLimits = platform.ResourceLimits

// DependencyCheck holds the result of a dependency check.
// It is an alias for platform.DependencyCheck.
type DependencyCheck = platform.DependencyCheck

// DefaultResourceLimits returns the default worker rlimits.
func DefaultResourceLimits() *ResourceLimits {
	return platform.DefaultResourceLimits()
}

// Journal persists sealed sessions. journal.Journal implements it.
//
// Record must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, s session.Summary) error
}

// Default sizes.
const (
	defaultScratchQuota = 16 << 20
	defaultMaxOutput    = 64 << 10
)

// Config holds the complete configuration for an Engine.
type Config struct {
	// Policy applies to calls made with a nil policy. If nil,
	// policy.Default() is used.
	Policy *policy.Policy

	// Isolation selects the executor. Default: IsolationWorker.
	Isolation Isolation

	// Workers bounds the number of attempts running at once.
	// 0 means runtime.NumCPU().
	Workers int

	// WarmWorkers is the number of idle workers kept ready. 0 means one;
	// a negative value disables pre-warming.
	WarmWorkers int

	// ScratchRoot is where per-attempt scratch directories are created.
	// If empty, os.TempDir() is used.
	ScratchRoot string

	// ScratchQuota bounds the bytes code may write to its scratch
	// directory in one attempt.
	ScratchQuota int64

	// MaxOutput bounds the captured print output of one attempt.
	MaxOutput int

	// ResourceLimits are applied as rlimits to worker processes.
	// If nil, DefaultResourceLimits() is used.
	ResourceLimits *ResourceLimits

	// Namespaces runs workers in fresh Linux namespaces.
	Namespaces bool

	// RequireLandlock treats a kernel without Landlock as unable to
	// isolate workers.
	RequireLandlock bool

	// FallbackPolicy determines behavior when isolation is unavailable.
	FallbackPolicy FallbackPolicy

	// SubmissionRate limits attempts per second across the engine.
	// 0 means unlimited.
	SubmissionRate float64

	// SubmissionBurst is the number of attempts allowed at once above
	// SubmissionRate. 0 means 1 when a rate is set.
	SubmissionBurst int

	// Logger is the structured logger for engine events. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	// Registerer receives the engine metrics. If nil, metrics are kept on
	// a private registry.
	Registerer prometheus.Registerer

	// TracerProvider creates the session and attempt spans. If nil, the
	// global provider is used.
	TracerProvider trace.TracerProvider

	// Journal, if set, receives every sealed session.
	Journal Journal
}

// DefaultConfig returns a Config with secure defaults: isolated workers,
// strict fallback and the default policy.
func DefaultConfig() *Config {
	return &Config{
		Policy:         policy.Default(),
		Isolation:      IsolationWorker,
		ScratchQuota:   defaultScratchQuota,
		MaxOutput:      defaultMaxOutput,
		ResourceLimits: DefaultResourceLimits(),
		FallbackPolicy: FallbackStrict,
	}
}

// DevelopmentConfig returns a Config suitable for local development.
// It uses FallbackWarn so attempts still run, unisolated, on hosts that
// cannot confine workers.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.FallbackPolicy = FallbackWarn
	return cfg
}

// CIConfig returns a Config for CI environments: strict fallback, fresh
// namespaces for every worker and no pre-warmed workers.
func CIConfig() *Config {
	cfg := DefaultConfig()
	cfg.FallbackPolicy = FallbackStrict
	cfg.Namespaces = true
	cfg.WarmWorkers = -1
	return cfg
}

// Validate checks the configuration for errors and returns a descriptive error
// if any field is invalid. The returned error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	if c.Workers < 0 {
		errs = append(errs, "Workers: must be >= 0")
	}
	if c.ScratchRoot != "" && pathutil.ContainsNullByte(c.ScratchRoot) {
		errs = append(errs, "ScratchRoot: must not contain null bytes")
	}
	if c.ScratchQuota < 0 {
		errs = append(errs, "ScratchQuota: must be >= 0")
	}
	if c.MaxOutput < 0 {
		errs = append(errs, "MaxOutput: must be >= 0")
	}

	errs = c.validateResourceLimits(errs)

	if c.SubmissionRate < 0 || math.IsNaN(c.SubmissionRate) || math.IsInf(c.SubmissionRate, 0) {
		errs = append(errs, "SubmissionRate: must be a finite number >= 0")
	}
	if c.SubmissionBurst < 0 {
		errs = append(errs, "SubmissionBurst: must be >= 0")
	}

	// Validate enum ranges.
	if c.FallbackPolicy < FallbackStrict || c.FallbackPolicy > FallbackWarn {
		errs = append(errs, "FallbackPolicy: invalid value")
	}
	if c.Isolation < IsolationWorker || c.Isolation > IsolationInline {
		errs = append(errs, "Isolation: invalid value")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// validateResourceLimits checks resource limit fields and appends any
// validation errors to errs.
func (c *Config) validateResourceLimits(errs []string) []string {
	if c.ResourceLimits == nil {
		return errs
	}
	if c.ResourceLimits.MaxProcesses < 0 {
		errs = append(errs, "ResourceLimits.MaxProcesses: must be >= 0")
	}
	if c.ResourceLimits.MaxAddressSpace < 0 {
		errs = append(errs, "ResourceLimits.MaxAddressSpace: must be >= 0")
	}
	if c.ResourceLimits.MaxFileDescriptors < 0 {
		errs = append(errs, "ResourceLimits.MaxFileDescriptors: must be >= 0")
	}
	if c.ResourceLimits.MaxCPUSeconds < 0 {
		errs = append(errs, "ResourceLimits.MaxCPUSeconds: must be >= 0")
	}
	if c.ResourceLimits.MaxFileSize < 0 {
		errs = append(errs, "ResourceLimits.MaxFileSize: must be >= 0")
	}
	return errs
}

// deepCopyConfig returns a copy of cfg that shares no mutable state with it.
// The policy is immutable; Logger, Registerer, TracerProvider and Journal
// are shared by reference.
func deepCopyConfig(cfg *Config) Config {
	cfgCopy := *cfg
	if cfg.ResourceLimits != nil {
		rl := *cfg.ResourceLimits
		cfgCopy.ResourceLimits = &rl
	}
	return cfgCopy
}
