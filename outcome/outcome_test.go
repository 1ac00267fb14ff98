package outcome

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simon-McIntosh/nucleai-sandbox/value"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{KindSuccess, "success"},
		{KindRuntimeFailure, "runtime-failure"},
		{KindResourceExceeded, "resource-exceeded"},
		{KindValidationRejected, "validation-rejected"},
		{KindCancelled, "cancelled"},
		{Kind(0), "unknown"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.k.String())
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		o    Outcome
		want Status
	}{
		{Success(1), StatusSuccess},
		{Failed(FailTypeError, "bad"), StatusRuntimeError},
		{Exceeded(ResourceTimeout), StatusTimeout},
		{Exceeded(ResourceMemory), StatusMemoryExceeded},
		{Rejected([]Violation{{Rule: "syntax", Retryable: true}}), StatusValidationRejected},
		{Cancelled("stop"), StatusCancelled},
		{Outcome{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.o.Status())
	}
}

func TestSuccess_NormalizesAndCopies(t *testing.T) {
	in := map[string]any{"x": []float64{1, math.Inf(1)}}
	o := Success(in)
	require.Equal(t, KindSuccess, o.Kind())

	out := o.Output().(map[string]any)
	assert.Equal(t, []any{1.0, value.PosInf}, out["x"])

	out["x"] = "changed"
	assert.Equal(t, []any{1.0, value.PosInf}, o.Output().(map[string]any)["x"])
}

func TestSuccess_Unserializable(t *testing.T) {
	o := Success(map[int]int{1: 1})
	assert.Equal(t, KindRuntimeFailure, o.Kind())
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Equal(t, FailSerialization, f.Kind)
	assert.NotEmpty(t, f.Hint)
}

func TestFailedCopiesTrace(t *testing.T) {
	trace := []Frame{{Function: "<submission>", Line: 3, Column: 5}}
	o := Failed(FailDivisionByZero, "division by zero", trace...)
	trace[0].Line = 99

	f, ok := o.Failure()
	require.True(t, ok)
	assert.Equal(t, 3, f.Trace[0].Line)
	f.Trace[0].Line = 42
	again, _ := o.Failure()
	assert.Equal(t, 3, again.Trace[0].Line)
	assert.Equal(t, HintFor(FailDivisionByZero), again.Hint)
}

func TestWithMethodsReturnCopies(t *testing.T) {
	base := Success("ok")
	stamped := base.WithAttempt(2).WithDuration(time.Second).WithStdout("hi\n", true)
	assert.Equal(t, 0, base.Attempt())
	assert.Equal(t, 2, stamped.Attempt())
	assert.Equal(t, time.Second, stamped.Duration())
	out, trunc := stamped.Stdout()
	assert.Equal(t, "hi\n", out)
	assert.True(t, trunc)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Success(nil).Retryable())
	assert.True(t, Failed(FailRuntime, "x").Retryable())
	assert.True(t, Exceeded(ResourceTimeout).Retryable())
	assert.False(t, Cancelled("x").Retryable())
	assert.True(t, Rejected([]Violation{{Rule: "syntax", Retryable: true}}).Retryable())
	assert.False(t, Rejected([]Violation{
		{Rule: "syntax", Retryable: true},
		{Rule: "sandbox-escape", Retryable: false},
	}).Retryable())
}

func TestRejectedFillsHints(t *testing.T) {
	o := Rejected([]Violation{{Rule: "network", Retryable: true}, {Rule: "custom", Hint: "mine"}})
	vs := o.Violations()
	assert.Equal(t, RuleHint("network"), vs[0].Hint)
	assert.Equal(t, "mine", vs[1].Hint)
}

func TestSuccessRejectsTagShapedMap(t *testing.T) {
	o := Success(map[string]any{"$nonfinite": "NaN"})
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Equal(t, FailSerialization, f.Kind)
}

func TestRuleAndFailureHintsAreSeparate(t *testing.T) {
	assert.NotEmpty(t, HintFor(FailUndefinedName))
	assert.NotEmpty(t, RuleHint("undefined-name"))
	assert.NotEqual(t, HintFor(FailUndefinedName), RuleHint("undefined-name"))
	assert.Empty(t, HintFor("sandbox-escape"))
	assert.Empty(t, RuleHint(FailDivisionByZero))

	o := Rejected([]Violation{{Rule: "undefined-name", Retryable: true}})
	assert.Equal(t, RuleHint("undefined-name"), o.Violations()[0].Hint)
}

func TestResultRoundTrip(t *testing.T) {
	outcomes := []Outcome{
		Success(map[string]any{"mean": math.NaN(), "n": 3}),
		Failed(FailKeyError, `key "x" not in dict`, Frame{Function: "<submission>", Line: 2, Column: 9}),
		Exceeded(ResourceTimeout),
		Exceeded(ResourceMemory),
		Rejected([]Violation{{Rule: "dynamic-eval", Line: 1, Column: 1, Message: "eval", Operation: "dynamic-eval", Retryable: true}}),
		Cancelled("context canceled"),
	}
	for _, o := range outcomes {
		t.Run(string(o.Status()), func(t *testing.T) {
			o = o.WithAttempt(2).WithDuration(1500 * time.Millisecond).WithStdout("log", false)
			data, err := json.Marshal(o)
			require.NoError(t, err)

			var back Outcome
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, o.Status(), back.Status())
			assert.Equal(t, o.Attempt(), back.Attempt())
			assert.Equal(t, o.Duration(), back.Duration())
			assert.Equal(t, o.Result(), back.Result())
		})
	}
}

func TestResultSchema(t *testing.T) {
	data, err := json.Marshal(Exceeded(ResourceTimeout).WithAttempt(1))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "timeout", m["status"])
	assert.Nil(t, m["output"])
	assert.Equal(t, "timeout", m["error"].(map[string]any)["kind"])
	assert.Contains(t, m, "duration")
	assert.Contains(t, m, "attempt")
}

func TestFromResult_Invalid(t *testing.T) {
	tests := []Result{
		{Status: "exploded"},
		{Status: StatusRuntimeError},
		{Status: StatusSuccess, Output: func() {}},
		{Status: StatusSuccess, Duration: -1},
	}
	for _, r := range tests {
		_, err := FromResult(r)
		assert.True(t, errors.Is(err, ErrInvalidResult), "status %q", r.Status)
	}
}
