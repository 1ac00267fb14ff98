package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

func newSession(t *testing.T, attempts int) *Session {
	t.Helper()
	p, err := policy.New(policy.WithMaxAttempts(attempts))
	require.NoError(t, err)
	return New(p)
}

func sub(n int) Submission { return Submission{Source: "return 1", Attempt: n} }

func execute(t *testing.T, s *Session, n int, o outcome.Outcome) State {
	t.Helper()
	require.NoError(t, s.Begin(sub(n)))
	require.NoError(t, s.Validated())
	st, err := s.Finish(o)
	require.NoError(t, err)
	return st
}

var (
	retryableViolation = []outcome.Violation{{Rule: "dynamic-eval", Retryable: true}}
	escapeViolation    = []outcome.Violation{{Rule: "sandbox-escape", Retryable: false}}
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "abandoned", Abandoned.String())
	assert.Equal(t, "unknown", State(42).String())
	for _, st := range []State{Succeeded, Exhausted, Rejected, Cancelled, Abandoned} {
		assert.True(t, st.Terminal(), st.String())
	}
	for _, st := range []State{Idle, Validating, Executing, Retryable} {
		assert.False(t, st.Terminal(), st.String())
	}
}

func TestNew(t *testing.T) {
	s := New(nil)
	assert.Equal(t, Idle, s.State())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, policy.DefaultMaxAttempts, s.Policy().MaxAttempts())
	assert.Equal(t, "fixed", New(nil, WithID("fixed")).ID())
	_, sealed := s.Final()
	assert.False(t, sealed)
}

// Scenario: attempt 1 fails, attempt 2 succeeds.
func TestRetryThenSucceed(t *testing.T) {
	s := newSession(t, 3)
	assert.Equal(t, Retryable, execute(t, s, 1, outcome.Failed(outcome.FailDivisionByZero, "division by zero")))
	assert.Equal(t, Succeeded, execute(t, s, 2, outcome.Success(42)))

	final, sealed := s.Final()
	require.True(t, sealed)
	assert.Equal(t, outcome.StatusSuccess, final.Status())
	assert.Equal(t, 2, final.Attempt())
	assert.Len(t, s.Attempts(), 2)
	assert.Equal(t, 1, s.Attempts()[0].Outcome.Attempt())
	assert.False(t, s.Ended().IsZero())
}

func TestExhausted(t *testing.T) {
	s := newSession(t, 2)
	assert.Equal(t, Retryable, execute(t, s, 1, outcome.Exceeded(outcome.ResourceTimeout)))
	assert.Equal(t, Exhausted, execute(t, s, 2, outcome.Failed(outcome.FailRuntime, "x")))
	assert.Equal(t, 0, s.Remaining())

	err := s.Begin(sub(3))
	assert.ErrorIs(t, err, ErrSealed)
}

func TestValidationOutcomes(t *testing.T) {
	t.Run("retryable", func(t *testing.T) {
		s := newSession(t, 3)
		require.NoError(t, s.Begin(sub(1)))
		st, err := s.Finish(outcome.Rejected(retryableViolation))
		require.NoError(t, err)
		assert.Equal(t, Retryable, st)
	})
	t.Run("retryable on last attempt", func(t *testing.T) {
		s := newSession(t, 1)
		require.NoError(t, s.Begin(sub(1)))
		st, err := s.Finish(outcome.Rejected(retryableViolation))
		require.NoError(t, err)
		assert.Equal(t, Exhausted, st)
	})
	t.Run("non-retryable", func(t *testing.T) {
		s := newSession(t, 5)
		require.NoError(t, s.Begin(sub(1)))
		st, err := s.Finish(outcome.Rejected(escapeViolation))
		require.NoError(t, err)
		assert.Equal(t, Rejected, st)
		assert.Len(t, s.Attempts(), 1)
		assert.ErrorIs(t, s.Begin(sub(2)), ErrSealed)
	})
}

func TestBegin_AttemptNumbers(t *testing.T) {
	s := newSession(t, 2)
	assert.ErrorIs(t, s.Begin(sub(0)), ErrInvalidSubmission)
	assert.ErrorIs(t, s.Begin(sub(2)), ErrInvalidSubmission)
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.Begin(sub(1)))
	assert.ErrorIs(t, s.Begin(sub(2)), ErrInvalidTransition)
}

func TestFinish_IllegalOutcomes(t *testing.T) {
	s := newSession(t, 3)
	_, err := s.Finish(outcome.Success(1))
	assert.ErrorIs(t, err, ErrInvalidTransition, "idle")

	require.NoError(t, s.Begin(sub(1)))
	_, err = s.Finish(outcome.Success(1))
	assert.ErrorIs(t, err, ErrInvalidTransition, "success while validating")
	_, err = s.Finish(outcome.Outcome{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.Validated())
	_, err = s.Finish(outcome.Rejected(retryableViolation))
	assert.ErrorIs(t, err, ErrInvalidTransition, "rejection while executing")
	assert.Equal(t, Executing, s.State())
	assert.ErrorIs(t, s.Validated(), ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	t.Run("in flight", func(t *testing.T) {
		s := newSession(t, 3)
		require.NoError(t, s.Begin(sub(1)))
		require.NoError(t, s.Validated())
		require.NoError(t, s.Cancel("stop"))
		assert.Equal(t, Cancelled, s.State())
		final, sealed := s.Final()
		require.True(t, sealed)
		assert.Equal(t, "stop", final.Reason())
		assert.Equal(t, 1, final.Attempt())
		assert.Len(t, s.Attempts(), 1)
	})
	t.Run("between attempts", func(t *testing.T) {
		s := newSession(t, 3)
		execute(t, s, 1, outcome.Failed(outcome.FailRuntime, "x"))
		require.NoError(t, s.Cancel("stop"))
		final, _ := s.Final()
		assert.Equal(t, outcome.KindCancelled, final.Kind())
		assert.Len(t, s.Attempts(), 1)
	})
	t.Run("cancelled outcome", func(t *testing.T) {
		s := newSession(t, 3)
		st := execute(t, s, 1, outcome.Cancelled("ctx"))
		assert.Equal(t, Cancelled, st)
	})
	t.Run("sealed", func(t *testing.T) {
		s := newSession(t, 3)
		execute(t, s, 1, outcome.Success(1))
		assert.ErrorIs(t, s.Cancel("late"), ErrSealed)
	})
}

func TestAbandon(t *testing.T) {
	s := newSession(t, 3)
	assert.ErrorIs(t, s.Abandon(), ErrInvalidTransition)

	execute(t, s, 1, outcome.Failed(outcome.FailKeyError, "k"))
	require.NoError(t, s.Abandon())
	assert.Equal(t, Abandoned, s.State())
	final, sealed := s.Final()
	require.True(t, sealed)
	f, ok := final.Failure()
	require.True(t, ok)
	assert.Equal(t, outcome.FailKeyError, f.Kind)
}

func TestSummaryJSON(t *testing.T) {
	s := newSession(t, 3)
	execute(t, s, 1, outcome.Failed(outcome.FailRuntime, "x"))
	execute(t, s, 2, outcome.Success(map[string]any{"n": 1}))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, s.ID(), m["id"])
	assert.Equal(t, "succeeded", m["state"])
	assert.Len(t, m["attempts"], 2)
	assert.Equal(t, "success", m["final"].(map[string]any)["status"])
}

// The budget is never exceeded and attempts stay consecutive whatever the
// sequence of outcomes.
func TestAttemptInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(1, 6).Draw(t, "budget")
		p, err := policy.New(policy.WithMaxAttempts(budget))
		if err != nil {
			t.Fatal(err)
		}
		s := New(p)
		for n := 1; !s.Sealed(); n++ {
			if n > budget {
				t.Fatalf("session still open after %d attempts", budget)
			}
			if err := s.Begin(Submission{Attempt: n}); err != nil {
				t.Fatalf("begin %d: %v", n, err)
			}
			var o outcome.Outcome
			switch rapid.IntRange(0, 4).Draw(t, "kind") {
			case 0:
				o = outcome.Success(n)
			case 1:
				o = outcome.Failed(outcome.FailRuntime, "x")
			case 2:
				o = outcome.Exceeded(outcome.ResourceMemory)
			case 3:
				if _, err := s.Finish(outcome.Rejected(retryableViolation)); err != nil {
					t.Fatal(err)
				}
				continue
			case 4:
				if _, err := s.Finish(outcome.Rejected(escapeViolation)); err != nil {
					t.Fatal(err)
				}
				continue
			}
			if err := s.Validated(); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Finish(o); err != nil {
				t.Fatal(err)
			}
		}
		attempts := s.Attempts()
		if len(attempts) > budget {
			t.Fatalf("%d attempts exceed budget %d", len(attempts), budget)
		}
		for i, a := range attempts {
			if a.Outcome.Attempt() != i+1 {
				t.Fatalf("attempt %d stamped %d", i+1, a.Outcome.Attempt())
			}
		}
		final, _ := s.Final()
		if final.Attempt() != len(attempts) {
			t.Fatalf("final attempt %d, want %d", final.Attempt(), len(attempts))
		}
	})
}
