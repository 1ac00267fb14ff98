// Package session implements the iteration session: the explicit state
// machine that records each attempt of a refinement loop and seals itself
// with a final outcome.
//
// A Session performs no I/O. The engine drives it by calling Begin,
// Validated and Finish around each attempt, and Cancel or Abandon when the
// caller stops early. Every method is safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

var (
	// ErrInvalidSubmission is returned by Begin for an attempt number that
	// is not the previous one plus one, or that exceeds the policy budget.
	ErrInvalidSubmission = errors.New("session: invalid submission")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrSealed is returned by any mutating call after the session reached
	// a terminal state.
	ErrSealed = errors.New("session: sealed")
)

// State is a session state.
type State int

const (
	Idle State = iota
	Validating
	Executing
	Succeeded
	Retryable
	Exhausted
	Rejected
	Cancelled
	Abandoned
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Executing:
		return "executing"
	case Succeeded:
		return "succeeded"
	case Retryable:
		return "retryable"
	case Exhausted:
		return "exhausted"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Exhausted, Rejected, Cancelled, Abandoned:
		return true
	default:
		return false
	}
}

// transitions lists the legal target states of each non-terminal state.
var transitions = map[State][]State{
	Idle:       {Validating, Cancelled},
	Validating: {Executing, Retryable, Exhausted, Rejected, Cancelled},
	Executing:  {Succeeded, Retryable, Exhausted, Cancelled},
	Retryable:  {Validating, Abandoned, Cancelled},
}

// Submission is the code of one attempt.
type Submission struct {
	Source   string
	Attempt  int
	Bindings *bind.Set
}

// Attempt pairs a submission with its outcome.
type Attempt struct {
	Submission Submission
	Outcome    outcome.Outcome
}

// Session is one refinement loop. Create it with New.
type Session struct {
	id     string
	policy *policy.Policy

	mu       sync.Mutex
	state    State
	attempts []Attempt
	current  *Submission
	final    outcome.Outcome
	started  time.Time
	ended    time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session identifier instead of a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New returns an Idle session governed by p. A nil p means
// policy.Default().
func New(p *policy.Policy, opts ...Option) *Session {
	if p == nil {
		p = policy.Default()
	}
	s := &Session{
		id:      uuid.NewString(),
		policy:  p,
		state:   Idle,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Policy returns the policy governing the session.
func (s *Session) Policy() *policy.Policy { return s.policy }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the recorded attempts in order.
func (s *Session) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attempts)
}

// Final returns the outcome the session ended with, once it is sealed.
func (s *Session) Final() (outcome.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.state.Terminal()
}

// Sealed reports whether the session reached a terminal state.
func (s *Session) Sealed() bool { return s.State().Terminal() }

// Started returns when the session was created.
func (s *Session) Started() time.Time { return s.started }

// Ended returns when the session was sealed, or the zero time.
func (s *Session) Ended() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// NextAttempt returns the attempt number the next submission must carry.
func (s *Session) NextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts) + 1
}

// Remaining returns how many attempts the budget still allows.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.MaxAttempts() - len(s.attempts)
}

func (s *Session) transition(to State) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrSealed, s.state)
	}
	if !slices.Contains(transitions[s.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	if to.Terminal() {
		s.ended = time.Now()
	}
	return nil
}

// Begin starts an attempt: Idle or Retryable -> Validating.
func (s *Session) Begin(sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrSealed, s.state)
	}
	if s.state != Idle && s.state != Retryable {
		return fmt.Errorf("%w: cannot begin an attempt while %s", ErrInvalidTransition, s.state)
	}
	want := len(s.attempts) + 1
	if sub.Attempt != want {
		return fmt.Errorf("%w: attempt %d, want %d", ErrInvalidSubmission, sub.Attempt, want)
	}
	if sub.Attempt > s.policy.MaxAttempts() {
		return fmt.Errorf("%w: attempt %d exceeds the budget of %d", ErrInvalidSubmission, sub.Attempt, s.policy.MaxAttempts())
	}
	if err := s.transition(Validating); err != nil {
		return err
	}
	s.current = &sub
	return nil
}

// Validated records a passing validation: Validating -> Executing.
func (s *Session) Validated() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Validating {
		return s.transition(Executing)
	}
	if s.state.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrSealed, s.state)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, Executing)
}

// Finish records the outcome of the current attempt and returns the new
// state. While Validating only a ValidationRejected or Cancelled outcome
// is accepted; while Executing anything but ValidationRejected.
func (s *Session) Finish(o outcome.Outcome) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state, fmt.Errorf("%w: session is %s", ErrSealed, s.state)
	}
	if o.IsZero() {
		return s.state, fmt.Errorf("%w: zero outcome", ErrInvalidTransition)
	}

	var to State
	switch {
	case s.state == Validating && o.Kind() == outcome.KindValidationRejected:
		to = s.afterFailure()
		if !o.Retryable() {
			to = Rejected
		}
	case s.state == Executing && o.Kind() == outcome.KindSuccess:
		to = Succeeded
	case s.state == Executing && (o.Kind() == outcome.KindRuntimeFailure || o.Kind() == outcome.KindResourceExceeded):
		to = s.afterFailure()
	case (s.state == Validating || s.state == Executing) && o.Kind() == outcome.KindCancelled:
		to = Cancelled
	default:
		return s.state, fmt.Errorf("%w: %s outcome while %s", ErrInvalidTransition, o.Kind(), s.state)
	}
	if err := s.transition(to); err != nil {
		return s.state, err
	}
	s.record(o)
	return s.state, nil
}

// afterFailure picks Retryable or Exhausted for a retryable failure of the
// current attempt.
func (s *Session) afterFailure() State {
	if s.current.Attempt >= s.policy.MaxAttempts() {
		return Exhausted
	}
	return Retryable
}

func (s *Session) record(o outcome.Outcome) {
	o = o.WithAttempt(s.current.Attempt)
	s.attempts = append(s.attempts, Attempt{Submission: *s.current, Outcome: o})
	s.current = nil
	if s.state.Terminal() {
		s.final = o
	}
}

// Cancel ends the session as Cancelled from any non-terminal state. An
// attempt in flight is recorded with the Cancelled outcome.
func (s *Session) Cancel(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(Cancelled); err != nil {
		return err
	}
	o := outcome.Cancelled(reason)
	if s.current != nil {
		s.record(o)
		return nil
	}
	s.final = o.WithAttempt(len(s.attempts))
	return nil
}

// Abandon ends a Retryable session at the caller's request. The final
// outcome is the outcome of the last attempt.
func (s *Session) Abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(Abandoned); err != nil {
		return err
	}
	s.final = s.attempts[len(s.attempts)-1].Outcome
	return nil
}
