package sandbox

import (
	"fmt"
	"strings"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
)

// Feedback renders a failed outcome as text for the author of the next
// revision: the error with its trace and hint, then any violations in a
// <sandbox_violations> block. A successful outcome renders as "".
func Feedback(o outcome.Outcome) string {
	r := o.Result()
	if r.Status == outcome.StatusSuccess || r.Status == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "attempt %d: %s", r.Attempt, r.Status)
	if r.Error != nil {
		fmt.Fprintf(&b, "\n%s: %s", r.Error.Kind, r.Error.Message)
		for _, f := range r.Error.Trace {
			fmt.Fprintf(&b, "\n  at %s (line %d, column %d)", f.Function, f.Line, f.Column)
		}
		if r.Error.Hint != "" {
			fmt.Fprintf(&b, "\nhint: %s", r.Error.Hint)
		}
	}
	return annotateViolations(b.String(), r.Violations)
}

// annotateViolations appends violations to text. If there are no
// violations, text is returned unchanged.
func annotateViolations(text string, violations []outcome.Violation) string {
	if len(violations) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n<sandbox_violations>\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "line %d:%d [%s] %s", v.Line, v.Column, v.Rule, v.Message)
		if !v.Retryable {
			b.WriteString(" (not retryable)")
		}
		b.WriteString("\n")
		if v.Hint != "" {
			fmt.Fprintf(&b, "  hint: %s\n", v.Hint)
		}
	}
	b.WriteString("</sandbox_violations>")
	return b.String()
}
