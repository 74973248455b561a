package sink

import (
	"errors"
	"fmt"
)

// Task names a cognitive task.
type Task string

const (
	TaskNBack    Task = "nback"
	TaskStroop   Task = "stroop"
	TaskReaction Task = "reaction"
)

// Valid reports whether t is a known task.
func (t Task) Valid() bool {
	switch t {
	case TaskNBack, TaskStroop, TaskReaction:
		return true
	default:
		return false
	}
}

// Outcome classifies how a trial ended.
type Outcome string

const (
	OutcomeScored  Outcome = "scored"
	OutcomeTimeout Outcome = "timeout"
	OutcomeEarly   Outcome = "early"
)

// StartRequest is the body of POST /api/task/start.
type StartRequest struct {
	Task   Task           `json:"task"`
	Config map[string]any `json:"config,omitempty"`
}

// StartResponse is returned by the sink on session start.
type StartResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
}

// TrialEvent is the body of POST /api/task/event.
type TrialEvent struct {
	SessionID      string  `json:"session_id"`
	TrialIndex     int     `json:"trial_index"`
	Task           Task    `json:"task"`
	Stimulus       string  `json:"stimulus"`
	Response       string  `json:"response"`
	Correct        *bool   `json:"correct,omitempty"`
	ReactionTimeMS int64   `json:"reaction_time_ms"`
	Difficulty     int     `json:"difficulty_level"`
	Stress         float64 `json:"stress_level"`
	Outcome        Outcome `json:"outcome"`
}

// FinishRequest is the body of POST /api/task/finish.
type FinishRequest struct {
	SessionID       string `json:"session_id"`
	FinalTrialIndex int    `json:"final_trial_index"`
}

// Ack is the generic acknowledgement body.
type Ack struct {
	OK bool `json:"ok"`
}

// ErrUnauthorized is returned when the sink rejects the bearer token.
var ErrUnauthorized = errors.New("sink: unauthorized")

// StatusError is a non-2xx sink response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == 401
}

// SessionStartError reports that a session could not begin.
type SessionStartError struct {
	Task     Task
	Attempts int
	Err      error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("start %s session failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *SessionStartError) Unwrap() error { return e.Err }

// TrialEmitError reports that one trial event was not recorded.
type TrialEmitError struct {
	SessionID  string
	TrialIndex int
	Err        error
}

func (e *TrialEmitError) Error() string {
	return fmt.Sprintf("emit trial %d of session %s: %v", e.TrialIndex, e.SessionID, e.Err)
}

func (e *TrialEmitError) Unwrap() error { return e.Err }

// FinishError reports a failed finish notification. It is non-fatal.
type FinishError struct {
	SessionID string
	Err       error
}

func (e *FinishError) Error() string {
	return fmt.Sprintf("finish session %s: %v", e.SessionID, e.Err)
}

func (e *FinishError) Unwrap() error { return e.Err }
