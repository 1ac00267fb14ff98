package outcome

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/Simon-McIntosh/nucleai-sandbox/value"
)

// Status is the externally visible result status.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusRuntimeError       Status = "runtime_error"
	StatusTimeout            Status = "timeout"
	StatusMemoryExceeded     Status = "memory_exceeded"
	StatusValidationRejected Status = "validation_rejected"
	StatusCancelled          Status = "cancelled"
)

// ErrInvalidResult indicates a Result could not be turned into an Outcome.
var ErrInvalidResult = errors.New("outcome: invalid result")

// Status maps o onto the result schema status.
func (o Outcome) Status() Status {
	switch o.kind {
	case KindSuccess:
		return StatusSuccess
	case KindRuntimeFailure:
		return StatusRuntimeError
	case KindResourceExceeded:
		if o.resource == ResourceMemory {
			return StatusMemoryExceeded
		}
		return StatusTimeout
	case KindValidationRejected:
		return StatusValidationRejected
	case KindCancelled:
		return StatusCancelled
	default:
		return ""
	}
}

// ErrorInfo is the error object of a Result.
type ErrorInfo struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Trace   []Frame `json:"trace,omitempty"`
	Hint    string  `json:"hint,omitempty"`
}

// Result is the serialized form of an Outcome handed to callers.
type Result struct {
	Status          Status      `json:"status"`
	Output          any         `json:"output"`
	Error           *ErrorInfo  `json:"error,omitempty"`
	Violations      []Violation `json:"violations,omitempty"`
	Attempt         int         `json:"attempt"`
	Duration        float64     `json:"duration"`
	Stdout          string      `json:"stdout,omitempty"`
	StdoutTruncated bool        `json:"stdout_truncated,omitempty"`
}

// Result returns the serialized form of o.
func (o Outcome) Result() Result {
	r := Result{
		Status:          o.Status(),
		Output:          o.Output(),
		Violations:      o.Violations(),
		Attempt:         o.attempt,
		Duration:        o.duration.Seconds(),
		Stdout:          o.stdout,
		StdoutTruncated: o.truncated,
	}
	switch o.kind {
	case KindRuntimeFailure:
		f, _ := o.Failure()
		r.Error = &ErrorInfo{Kind: f.Kind, Message: f.Message, Trace: f.Trace, Hint: f.Hint}
	case KindResourceExceeded:
		r.Error = &ErrorInfo{
			Kind:    string(o.resource),
			Message: fmt.Sprintf("execution exceeded the %s limit", o.resource),
			Hint:    HintFor(string(o.resource)),
		}
	case KindCancelled:
		r.Error = &ErrorInfo{Kind: "cancelled", Message: o.reason}
	}
	return r
}

// FromResult rebuilds an Outcome from its serialized form. The output is
// normalized, so JSON-decoded numbers and non-finite tags are accepted.
func FromResult(r Result) (Outcome, error) {
	var o Outcome
	switch r.Status {
	case StatusSuccess:
		n, err := value.FromJSON(r.Output)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: output: %w", ErrInvalidResult, err)
		}
		o = Outcome{kind: KindSuccess, output: n}
	case StatusRuntimeError:
		if r.Error == nil {
			return Outcome{}, fmt.Errorf("%w: runtime_error without error", ErrInvalidResult)
		}
		o = Outcome{kind: KindRuntimeFailure, failure: &Failure{
			Kind:    r.Error.Kind,
			Message: r.Error.Message,
			Trace:   slices.Clone(r.Error.Trace),
			Hint:    r.Error.Hint,
		}}
		if o.failure.Hint == "" {
			o.failure.Hint = HintFor(r.Error.Kind)
		}
	case StatusTimeout:
		o = Exceeded(ResourceTimeout)
	case StatusMemoryExceeded:
		o = Exceeded(ResourceMemory)
	case StatusValidationRejected:
		o = Rejected(r.Violations)
	case StatusCancelled:
		reason := ""
		if r.Error != nil {
			reason = r.Error.Message
		}
		o = Cancelled(reason)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResult, r.Status)
	}
	if r.Duration < 0 || math.IsNaN(r.Duration) {
		return Outcome{}, fmt.Errorf("%w: negative duration", ErrInvalidResult)
	}
	o.attempt = r.Attempt
	o.duration = time.Duration(r.Duration * float64(time.Second))
	o.stdout = r.Stdout
	o.truncated = r.StdoutTruncated
	return o, nil
}

// MarshalJSON encodes o as its Result.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Result())
}

// UnmarshalJSON decodes a Result into o.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Result
	if err := dec.Decode(&r); err != nil {
		return err
	}
	decoded, err := FromResult(r)
	if err != nil {
		return err
	}
	*o = decoded
	return nil
}
