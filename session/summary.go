package session

import (
	"encoding/json"
	"time"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

// AttemptRecord is the serialized form of one attempt.
type AttemptRecord struct {
	Attempt int            `json:"attempt"`
	Source  string         `json:"source"`
	Result  outcome.Result `json:"result"`
}

// Summary is a point-in-time, serializable view of a session.
type Summary struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Policy   policy.Spec     `json:"policy"`
	Attempts []AttemptRecord `json:"attempts"`
	Final    *outcome.Result `json:"final,omitempty"`
	Started  time.Time       `json:"started"`
	Ended    time.Time       `json:"ended,omitzero"`
}

// Summary returns a snapshot of s.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		ID:       s.id,
		State:    s.state.String(),
		Policy:   s.policy.Spec(),
		Attempts: make([]AttemptRecord, len(s.attempts)),
		Started:  s.started,
		Ended:    s.ended,
	}
	for i, a := range s.attempts {
		sum.Attempts[i] = AttemptRecord{
			Attempt: a.Submission.Attempt,
			Source:  a.Submission.Source,
			Result:  a.Outcome.Result(),
		}
	}
	if s.state.Terminal() {
		r := s.final.Result()
		sum.Final = &r
	}
	return sum
}

// MarshalJSON encodes the session summary.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Summary())
}
