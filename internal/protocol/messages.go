package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Frame is the push-channel envelope: a named event with a JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	EventJoinRoom      = "join_participant_room"
	EventLeaveRoom     = "leave_participant_room"
	EventJoinMonitor   = "join_monitor"
	EventTaskEvent     = "task_event"
	EventMonitorUpdate = "monitor_update"
	EventError         = "error_event"

	difficultyPrefix = "difficulty_update_"
	stressPrefix     = "stress_update_"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrMalformed        = errors.New("malformed push message")
)

// MalformedError describes a push message that was dropped.
type MalformedError struct {
	Event  string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s: %s", e.Event, e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

// RoomRequest is the payload of join/leave frames.
type RoomRequest struct {
	ParticipantID string `json:"participant_id"`
}

// DifficultyUpdate carries the externally computed difficulty level.
type DifficultyUpdate struct {
	Difficulty int `json:"difficulty"`
}

// StressUpdate carries the smoothed probability of the high-stress class.
type StressUpdate struct {
	EMAHigh float64 `json:"ema_high"`
}

// TaskEvent is published to monitors for every accepted trial.
type TaskEvent struct {
	ParticipantID  string    `json:"participant_id"`
	SessionID      string    `json:"session_id"`
	Task           string    `json:"task"`
	TrialIndex     int       `json:"trial_index"`
	Stimulus       string    `json:"stimulus"`
	Response       string    `json:"response"`
	Correct        *bool     `json:"correct,omitempty"`
	ReactionTimeMS int64     `json:"reaction_time_ms"`
	Outcome        string    `json:"outcome"`
	At             time.Time `json:"at"`
}

// PollOpen is returned when a long-poll session is opened.
type PollOpen struct {
	SID string `json:"sid"`
}

// PollBatch carries the frames returned by one long-poll.
type PollBatch struct {
	Frames []Frame `json:"frames"`
}

// ErrorEvent is sent to a peer whose frame could not be handled.
type ErrorEvent struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ScopeKind identifies participant-scoped inbound events.
type ScopeKind int

const (
	ScopeNone ScopeKind = iota
	ScopeDifficulty
	ScopeStress
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeDifficulty:
		return "difficulty"
	case ScopeStress:
		return "stress"
	default:
		return "none"
	}
}

// ScopedEvent is a parsed participant-scoped event name.
type ScopedEvent struct {
	Kind          ScopeKind
	ParticipantID string
}

// DifficultyEventName is the wire name of a participant's difficulty stream.
func DifficultyEventName(participantID string) string {
	return difficultyPrefix + participantID
}

// StressEventName is the wire name of a participant's stress stream.
func StressEventName(participantID string) string {
	return stressPrefix + participantID
}

// ParseEventName splits a participant-scoped event name into its kind and
// participant. Unscoped names return ok=false.
func ParseEventName(name string) (ScopedEvent, bool) {
	for _, p := range []struct {
		prefix string
		kind   ScopeKind
	}{
		{difficultyPrefix, ScopeDifficulty},
		{stressPrefix, ScopeStress},
	} {
		if !strings.HasPrefix(name, p.prefix) {
			continue
		}
		pid := name[len(p.prefix):]
		if pid == "" {
			return ScopedEvent{}, false
		}
		return ScopedEvent{Kind: p.kind, ParticipantID: pid}, true
	}
	return ScopedEvent{}, false
}

// NewFrame marshals data into a frame.
func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// ParseFrame decodes one envelope.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if strings.TrimSpace(f.Event) == "" {
		return Frame{}, errors.New("invalid envelope: missing event")
	}
	return f, nil
}

// ParseClientFrame validates a frame sent by a push peer to the server.
func ParseClientFrame(raw []byte) (Frame, RoomRequest, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return Frame{}, RoomRequest{}, err
	}
	switch f.Event {
	case EventJoinRoom, EventLeaveRoom:
		var req RoomRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return Frame{}, RoomRequest{}, fmt.Errorf("invalid %s: %w", f.Event, err)
		}
		req.ParticipantID = strings.TrimSpace(req.ParticipantID)
		if req.ParticipantID == "" {
			return Frame{}, RoomRequest{}, fmt.Errorf("invalid %s: participant_id required", f.Event)
		}
		return f, req, nil
	case EventJoinMonitor:
		return f, RoomRequest{}, nil
	default:
		return Frame{}, RoomRequest{}, ErrUnsupportedEvent
	}
}

// ParseDifficultyUpdate decodes and validates a difficulty payload against the
// allowed range. Nothing is returned unless the whole message is valid.
func ParseDifficultyUpdate(event string, raw json.RawMessage, min, max int) (DifficultyUpdate, error) {
	var body struct {
		Difficulty *json.Number `json:"difficulty"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return DifficultyUpdate{}, &MalformedError{Event: event, Reason: "invalid json", Err: err}
	}
	if body.Difficulty == nil {
		return DifficultyUpdate{}, &MalformedError{Event: event, Reason: "missing difficulty"}
	}
	n, err := body.Difficulty.Int64()
	if err != nil {
		return DifficultyUpdate{}, &MalformedError{Event: event, Reason: "difficulty is not an integer", Err: err}
	}
	if n < int64(min) || n > int64(max) {
		return DifficultyUpdate{}, &MalformedError{Event: event, Reason: fmt.Sprintf("difficulty %d outside [%d, %d]", n, min, max)}
	}
	return DifficultyUpdate{Difficulty: int(n)}, nil
}

// ParseStressUpdate decodes and validates a stress payload.
func ParseStressUpdate(event string, raw json.RawMessage) (StressUpdate, error) {
	var body struct {
		EMAHigh *float64 `json:"ema_high"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return StressUpdate{}, &MalformedError{Event: event, Reason: "invalid json", Err: err}
	}
	if body.EMAHigh == nil {
		return StressUpdate{}, &MalformedError{Event: event, Reason: "missing ema_high"}
	}
	v := *body.EMAHigh
	if math.IsNaN(v) || v < 0 || v > 1 {
		return StressUpdate{}, &MalformedError{Event: event, Reason: fmt.Sprintf("ema_high %v outside [0, 1]", v)}
	}
	return StressUpdate{EMAHigh: v}, nil
}
