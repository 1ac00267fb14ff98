// Package outcome defines the typed, immutable result of one attempt.
//
// Every attempt ends in exactly one of five variants: Success,
// RuntimeFailure, ResourceExceeded, ValidationRejected or Cancelled.
// Failures are data, never host errors, so callers can branch on them and
// feed them back to the code author.
package outcome

import (
	"slices"
	"time"

	"github.com/Simon-McIntosh/nucleai-sandbox/value"
)

// unknownStr is the string representation for unknown enum values.
const unknownStr = "unknown"

// Kind identifies the outcome variant.
type Kind int

const (
	// KindSuccess means the code returned a serializable value.
	KindSuccess Kind = iota + 1

	// KindRuntimeFailure means the code raised an error, returned nothing,
	// returned an unserializable value, or crashed its worker.
	KindRuntimeFailure

	// KindResourceExceeded means the time or memory ceiling was crossed.
	KindResourceExceeded

	// KindValidationRejected means static validation blocked execution.
	KindValidationRejected

	// KindCancelled means the caller cancelled the attempt.
	KindCancelled
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRuntimeFailure:
		return "runtime-failure"
	case KindResourceExceeded:
		return "resource-exceeded"
	case KindValidationRejected:
		return "validation-rejected"
	case KindCancelled:
		return "cancelled"
	default:
		return unknownStr
	}
}

// Resource names the ceiling crossed by a ResourceExceeded outcome.
type Resource string

const (
	ResourceTimeout Resource = "timeout"
	ResourceMemory  Resource = "memory"
)

// Frame is one entry of a runtime failure trace, restricted to frames in
// the submitted code.
type Frame struct {
	Function string `json:"function"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// Failure describes a RuntimeFailure.
type Failure struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Trace   []Frame `json:"trace,omitempty"`
	Hint    string  `json:"hint,omitempty"`
}

// Violation is a single static-validation finding.
type Violation struct {
	// Rule is the identifier of the rule that fired, e.g. "dynamic-eval".
	Rule string `json:"rule"`
	// Line and Column locate the finding, 1-based.
	Line   int `json:"line"`
	Column int `json:"column"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Operation is the forbidden operation class, if the rule has one.
	Operation string `json:"operation,omitempty"`
	// Retryable is false for violations that end the session at once.
	Retryable bool `json:"retryable"`
	// Hint suggests how to revise the code.
	Hint string `json:"hint,omitempty"`
}

// Outcome is the immutable result of one attempt. Build it with one of
// the constructors; the With* methods return modified copies.
type Outcome struct {
	kind       Kind
	output     any
	failure    *Failure
	resource   Resource
	violations []Violation
	reason     string
	attempt    int
	duration   time.Duration
	stdout     string
	truncated  bool
}

// Success returns a successful outcome carrying v. v is normalized into
// the serializable value set; an unserializable v yields a RuntimeFailure
// of kind FailSerialization instead.
func Success(v any) Outcome {
	n, err := value.Normalize(v)
	if err == nil {
		err = value.Portable(n)
	}
	if err != nil {
		return Failed(FailSerialization, err.Error())
	}
	return Outcome{kind: KindSuccess, output: n}
}

// Failed returns a RuntimeFailure outcome.
func Failed(kind, message string, trace ...Frame) Outcome {
	return Outcome{kind: KindRuntimeFailure, failure: &Failure{
		Kind:    kind,
		Message: message,
		Trace:   slices.Clone(trace),
		Hint:    HintFor(kind),
	}}
}

// Exceeded returns a ResourceExceeded outcome.
func Exceeded(r Resource) Outcome {
	return Outcome{kind: KindResourceExceeded, resource: r}
}

// Rejected returns a ValidationRejected outcome. Violations without a hint
// get the default hint of their rule.
func Rejected(vs []Violation) Outcome {
	cpy := slices.Clone(vs)
	for i := range cpy {
		if cpy[i].Hint == "" {
			cpy[i].Hint = RuleHint(cpy[i].Rule)
		}
	}
	return Outcome{kind: KindValidationRejected, violations: cpy}
}

// Cancelled returns a Cancelled outcome.
func Cancelled(reason string) Outcome {
	return Outcome{kind: KindCancelled, reason: reason}
}

// WithAttempt returns a copy of o stamped with the attempt number.
func (o Outcome) WithAttempt(n int) Outcome {
	o.attempt = n
	return o
}

// WithDuration returns a copy of o with the wall-clock duration set.
func (o Outcome) WithDuration(d time.Duration) Outcome {
	o.duration = d
	return o
}

// WithStdout returns a copy of o carrying captured print output.
func (o Outcome) WithStdout(s string, truncated bool) Outcome {
	o.stdout = s
	o.truncated = truncated
	return o
}

// Kind returns the outcome variant. The zero Outcome reports 0.
func (o Outcome) Kind() Kind { return o.kind }

// IsZero reports whether o was never produced by a constructor.
func (o Outcome) IsZero() bool { return o.kind == 0 }

// Output returns a copy of the success value, or nil.
func (o Outcome) Output() any {
	if o.kind != KindSuccess {
		return nil
	}
	cpy, _ := value.Normalize(o.output)
	return cpy
}

// Failure returns a copy of the failure details of a RuntimeFailure.
func (o Outcome) Failure() (Failure, bool) {
	if o.failure == nil {
		return Failure{}, false
	}
	f := *o.failure
	f.Trace = slices.Clone(f.Trace)
	return f, true
}

// Resource returns the exceeded ceiling of a ResourceExceeded outcome.
func (o Outcome) Resource() Resource { return o.resource }

// Violations returns a copy of the violations of a ValidationRejected outcome.
func (o Outcome) Violations() []Violation { return slices.Clone(o.violations) }

// Reason returns the cancellation reason of a Cancelled outcome.
func (o Outcome) Reason() string { return o.reason }

// Attempt returns the attempt number, 0 when not yet stamped.
func (o Outcome) Attempt() int { return o.attempt }

// Duration returns the wall-clock time of the attempt.
func (o Outcome) Duration() time.Duration { return o.duration }

// Stdout returns the captured print output and whether it was truncated.
func (o Outcome) Stdout() (string, bool) { return o.stdout, o.truncated }

// Retryable reports whether a session may continue after o. Success and
// Cancelled are final; a rejection is retryable only if every violation is.
func (o Outcome) Retryable() bool {
	switch o.kind {
	case KindRuntimeFailure, KindResourceExceeded:
		return true
	case KindValidationRejected:
		for _, v := range o.violations {
			if !v.Retryable {
				return false
			}
		}
		return true
	default:
		return false
	}
}
