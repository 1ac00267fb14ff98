package sandbox

import (
	"strings"
	"testing"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
)

// TestFeedbackSuccessIsEmpty verifies that a success renders nothing.
func TestFeedbackSuccessIsEmpty(t *testing.T) {
	if got := Feedback(outcome.Success(1)); got != "" {
		t.Errorf("Feedback(success) = %q, want empty", got)
	}
	if got := Feedback(outcome.Outcome{}); got != "" {
		t.Errorf("Feedback(zero) = %q, want empty", got)
	}
}

// TestFeedbackRuntimeFailure verifies the error, trace and hint are rendered.
func TestFeedbackRuntimeFailure(t *testing.T) {
	o := outcome.Failed(outcome.FailDivisionByZero, "integer division by zero",
		outcome.Frame{Function: "main", Line: 3, Column: 9}).WithAttempt(2)
	got := Feedback(o)

	for _, want := range []string{
		"attempt 2: runtime_error",
		"division-by-zero: integer division by zero",
		"at main (line 3, column 9)",
		"hint: " + outcome.HintFor(outcome.FailDivisionByZero),
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Feedback() missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<sandbox_violations>") {
		t.Error("runtime failure should not have a violations block")
	}
}

// TestFeedbackViolations verifies violations are appended in a tagged block.
func TestFeedbackViolations(t *testing.T) {
	o := outcome.Rejected([]outcome.Violation{
		{Rule: "dynamic-eval", Line: 1, Column: 1, Message: "eval is not allowed", Retryable: true, Hint: "write it directly"},
		{Rule: "sandbox-escape", Line: 2, Column: 5, Message: "dunder access"},
	}).WithAttempt(1)
	got := Feedback(o)

	if !strings.HasPrefix(got, "attempt 1: validation_rejected") {
		t.Errorf("unexpected header in:\n%s", got)
	}
	if !strings.Contains(got, "<sandbox_violations>") || !strings.HasSuffix(got, "</sandbox_violations>") {
		t.Errorf("missing violations block in:\n%s", got)
	}
	if !strings.Contains(got, "line 1:1 [dynamic-eval] eval is not allowed\n  hint: write it directly") {
		t.Errorf("retryable violation not rendered in:\n%s", got)
	}
	if !strings.Contains(got, "line 2:5 [sandbox-escape] dunder access (not retryable)") {
		t.Errorf("non-retryable violation not marked in:\n%s", got)
	}
}

// TestFeedbackResourceExceeded verifies the resource limit is named.
func TestFeedbackResourceExceeded(t *testing.T) {
	got := Feedback(outcome.Exceeded(outcome.ResourceTimeout).WithAttempt(1))
	if !strings.Contains(got, "attempt 1: timeout") || !strings.Contains(got, "timeout limit") {
		t.Errorf("Feedback(timeout) = %q", got)
	}
}

// TestAnnotateViolationsEmpty verifies that no violations leaves text unchanged.
func TestAnnotateViolationsEmpty(t *testing.T) {
	if got := annotateViolations("text", nil); got != "text" {
		t.Errorf("annotateViolations() = %q, want %q", got, "text")
	}
}
