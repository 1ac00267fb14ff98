package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Spec is the serializable form of a Policy used by configuration files
// and the worker wire protocol. Sizes accept humanized values such as
// "512MiB"; durations use time.ParseDuration syntax. Empty fields fall
// back to the defaults; a nil ForbiddenOperations forbids everything.
type Spec struct {
	Timeout             string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MemoryLimit         string   `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
	AllowedModules      []string `json:"allowed_modules,omitempty" yaml:"allowed_modules,omitempty"`
	ForbiddenOperations []string `json:"forbidden_operations" yaml:"forbidden_operations"`
	MaxAttempts         int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Spec returns the serializable form of p.
func (p *Policy) Spec() Spec {
	ops := make([]string, 0, len(p.forbidden))
	for _, op := range p.ForbiddenOperations() {
		ops = append(ops, string(op))
	}
	return Spec{
		Timeout:             p.timeout.String(),
		MemoryLimit:         humanize.IBytes(uint64(p.memoryLimit)), //nolint:gosec // memoryLimit > 0
		AllowedModules:      p.AllowedModules(),
		ForbiddenOperations: ops,
		MaxAttempts:         p.maxAttempts,
	}
}

// Build validates s and returns the corresponding Policy.
func (s Spec) Build() (*Policy, error) {
	var opts []Option
	var errs []string

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			errs = append(errs, fmt.Sprintf("timeout: %v", err))
		} else {
			opts = append(opts, WithTimeout(d))
		}
	}
	if s.MemoryLimit != "" {
		n, err := humanize.ParseBytes(s.MemoryLimit)
		if err != nil {
			errs = append(errs, fmt.Sprintf("memory_limit: %v", err))
		} else {
			opts = append(opts, WithMemoryLimit(int64(n))) //nolint:gosec // bounded by ParseBytes
		}
	}
	if s.AllowedModules != nil {
		opts = append(opts, WithAllowedModules(s.AllowedModules...))
	}
	if s.ForbiddenOperations != nil {
		ops := make([]Operation, 0, len(s.ForbiddenOperations))
		for _, tag := range s.ForbiddenOperations {
			op, err := ParseOperation(tag)
			if err != nil {
				errs = append(errs, fmt.Sprintf("forbidden_operations: unknown operation %q", tag))
				continue
			}
			ops = append(ops, op)
		}
		opts = append(opts, WithForbiddenOperations(ops...))
	}
	if s.MaxAttempts != 0 {
		opts = append(opts, WithMaxAttempts(s.MaxAttempts))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return New(opts...)
}
