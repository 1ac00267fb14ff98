// Package policy defines the immutable safety policy applied to every
// attempt: time and memory ceilings, the module allowlist, forbidden
// operation classes, and the attempt budget of an iteration session.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrInvalid indicates a policy failed validation.
var ErrInvalid = errors.New("policy: invalid policy")

// Operation is a class of side effect that a policy may forbid.
type Operation string

// Known operation classes.
const (
	OpFilesystemWrite Operation = "filesystem-write"
	OpProcessSpawn    Operation = "process-spawn"
	OpNetwork         Operation = "network"
	OpDynamicEval     Operation = "dynamic-eval"
	OpReflection      Operation = "reflection"
)

// Operations returns every known operation class in a stable order.
func Operations() []Operation {
	return []Operation{OpDynamicEval, OpFilesystemWrite, OpNetwork, OpProcessSpawn, OpReflection}
}

// ParseOperation converts a tag such as "network" into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.TrimSpace(s))
	if slices.Contains(Operations(), op) {
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrInvalid, s)
}

// Defaults applied by New before options run.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMemoryLimit = 512 << 20
	DefaultMaxAttempts = 3
)

// DefaultModules lists the module identifiers allowed by Default.
var DefaultModules = []string{"json", "math", "scratch", "stats", "time"}

// Policy is a validated, immutable set of execution constraints. The zero
// value is not usable; build one with New or Default. A Policy is safe to
// share between sessions and goroutines.
type Policy struct {
	timeout     time.Duration
	memoryLimit int64
	modules     map[string]struct{}
	forbidden   map[Operation]struct{}
	maxAttempts int
}

// Option configures a Policy under construction.
type Option func(*builder)

type builder struct {
	timeout     time.Duration
	memoryLimit int64
	modules     []string
	forbidden   []Operation
	maxAttempts int
}

// WithTimeout sets the wall-clock limit for a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(b *builder) { b.timeout = d }
}

// WithMemoryLimit sets the memory ceiling in bytes for a single attempt.
func WithMemoryLimit(n int64) Option {
	return func(b *builder) { b.memoryLimit = n }
}

// WithAllowedModules replaces the module allowlist.
func WithAllowedModules(mods ...string) Option {
	cpy := append([]string(nil), mods...)
	return func(b *builder) { b.modules = cpy }
}

// WithForbiddenOperations replaces the set of forbidden operation classes.
// Passing no operations permits every class.
func WithForbiddenOperations(ops ...Operation) Option {
	cpy := append([]Operation(nil), ops...)
	return func(b *builder) { b.forbidden = cpy }
}

// WithMaxAttempts sets the attempt budget of an iteration session.
func WithMaxAttempts(n int) Option {
	return func(b *builder) { b.maxAttempts = n }
}

// New builds a Policy from the defaults and the given options. The
// returned error wraps ErrInvalid and lists every problem found.
func New(opts ...Option) (*Policy, error) {
	b := &builder{
		timeout:     DefaultTimeout,
		memoryLimit: DefaultMemoryLimit,
		modules:     append([]string(nil), DefaultModules...),
		forbidden:   Operations(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

// Default returns the default policy: 30s, 512 MiB, the standard module
// set, every operation class forbidden and three attempts.
func Default() *Policy {
	p, err := New()
	if err != nil {
		panic(err) // defaults are constant
	}
	return p
}

func (b *builder) build() (*Policy, error) {
	var errs []string
	if b.timeout <= 0 {
		errs = append(errs, "Timeout: must be > 0")
	}
	if b.memoryLimit <= 0 {
		errs = append(errs, "MemoryLimit: must be > 0")
	}
	if b.maxAttempts < 1 {
		errs = append(errs, "MaxAttempts: must be >= 1")
	}

	p := &Policy{
		timeout:     b.timeout,
		memoryLimit: b.memoryLimit,
		modules:     make(map[string]struct{}, len(b.modules)),
		forbidden:   make(map[Operation]struct{}, len(b.forbidden)),
		maxAttempts: b.maxAttempts,
	}
	for i, m := range b.modules {
		if m == "" || strings.ContainsAny(m, " \t\r\n\x00\"") {
			errs = append(errs, fmt.Sprintf("AllowedModules[%d]: invalid module identifier %q", i, m))
			continue
		}
		p.modules[m] = struct{}{}
	}
	for i, op := range b.forbidden {
		if !slices.Contains(Operations(), op) {
			errs = append(errs, fmt.Sprintf("ForbiddenOperations[%d]: unknown operation %q", i, op))
			continue
		}
		p.forbidden[op] = struct{}{}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return p, nil
}

// Timeout returns the per-attempt wall-clock limit.
func (p *Policy) Timeout() time.Duration { return p.timeout }

// MemoryLimit returns the per-attempt memory ceiling in bytes.
func (p *Policy) MemoryLimit() int64 { return p.memoryLimit }

// MaxAttempts returns the attempt budget of a session.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// ModuleAllowed reports whether the module identifier is on the allowlist.
func (p *Policy) ModuleAllowed(name string) bool {
	_, ok := p.modules[name]
	return ok
}

// AllowedModules returns a sorted copy of the allowlist.
func (p *Policy) AllowedModules() []string {
	out := make([]string, 0, len(p.modules))
	for m := range p.modules {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Forbids reports whether the operation class is forbidden.
func (p *Policy) Forbids(op Operation) bool {
	_, ok := p.forbidden[op]
	return ok
}

// ForbiddenOperations returns a sorted copy of the forbidden classes.
func (p *Policy) ForbiddenOperations() []Operation {
	out := make([]Operation, 0, len(p.forbidden))
	for op := range p.forbidden {
		out = append(out, op)
	}
	slices.Sort(out)
	return out
}

// Derive returns a new Policy starting from p with opts applied on top.
// p itself is unchanged.
func (p *Policy) Derive(opts ...Option) (*Policy, error) {
	b := &builder{
		timeout:     p.timeout,
		memoryLimit: p.memoryLimit,
		modules:     p.AllowedModules(),
		forbidden:   p.ForbiddenOperations(),
		maxAttempts: p.maxAttempts,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

// String returns a compact human-readable summary.
func (p *Policy) String() string {
	ops := make([]string, 0, len(p.forbidden))
	for _, op := range p.ForbiddenOperations() {
		ops = append(ops, string(op))
	}
	return fmt.Sprintf("timeout=%s memory=%s attempts=%d modules=[%s] forbidden=[%s]",
		p.timeout, humanize.IBytes(uint64(p.memoryLimit)), p.maxAttempts, //nolint:gosec // memoryLimit > 0
		strings.Join(p.AllowedModules(), ","), strings.Join(ops, ","))
}

// MarshalJSON encodes the policy as its Spec.
func (p *Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Spec())
}

// UnmarshalJSON decodes a Spec and validates it.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	built, err := s.Build()
	if err != nil {
		return err
	}
	*p = *built
	return nil
}
