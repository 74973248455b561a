// Package engine runs cognitive task sessions: it generates stimuli, scores
// responses and records each trial with the sink in strict index order.
package engine

import (
	"errors"
	"fmt"
)

// State is the controller's position in a task session.
type State string

const (
	StateIdle             State = "idle"
	StateStarting         State = "starting"
	StateInTrial          State = "in_trial"
	StateAwaitingResponse State = "awaiting_response"
	StateEvaluating       State = "evaluating"
	StateAdvancing        State = "advancing"
	StateFinishing        State = "finishing"
	StateFinished         State = "finished"
	StateAborted          State = "aborted"
)

// Terminal reports whether no further session operations are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

var (
	ErrBusy       = errors.New("operation already in progress")
	ErrSuperseded = errors.New("session superseded")
	ErrNoPending  = errors.New("no pending trial")
)

// StateError is returned when an operation is not valid in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}
