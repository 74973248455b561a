// Package store persists participants, task sessions, trial events and
// stress samples.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/stresslab/internal/stress"
)

var (
	ErrNotFound      = errors.New("not found in store")
	ErrOutOfOrder    = errors.New("trial index out of order")
	ErrSessionEnded  = errors.New("session already finished")
	ErrInvalidRecord = errors.New("invalid record")
)

// OrderError reports a trial whose index is not the next expected one.
type OrderError struct {
	SessionID string
	Expected  int
	Got       int
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("session %s: expected trial %d, got %d", e.SessionID, e.Expected, e.Got)
}

func (e *OrderError) Is(target error) bool { return target == ErrOutOfOrder }

type Participant struct {
	ID         string    `json:"participant_id"`
	Group      string    `json:"group"`
	Difficulty int       `json:"difficulty"`
	CreatedAt  time.Time `json:"created_at"`
}

type TaskSession struct {
	ID              string         `json:"session_id"`
	ParticipantID   string         `json:"participant_id"`
	Task            string         `json:"task"`
	Config          map[string]any `json:"config,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	LastTrialIndex  int            `json:"last_trial_index"`
	FinalTrialIndex *int           `json:"final_trial_index,omitempty"`
}

type TrialRecord struct {
	SessionID      string    `json:"session_id"`
	ParticipantID  string    `json:"participant_id"`
	Task           string    `json:"task"`
	TrialIndex     int       `json:"trial_index"`
	Stimulus       string    `json:"stimulus"`
	Response       string    `json:"response"`
	Correct        *bool     `json:"correct,omitempty"`
	ReactionTimeMS int64     `json:"reaction_time_ms"`
	Difficulty     int       `json:"difficulty_level"`
	Stress         float64   `json:"stress_level"`
	Outcome        string    `json:"outcome"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type StressSample struct {
	ParticipantID string  `json:"participant_id"`
	RawHigh       float64 `json:"proba_high"`
	EMAHigh       float64 `json:"ema_high"`
	// Features is set when the sample was derived from RR intervals.
	Features   *stress.Features `json:"features,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Counts are the row totals shown on the admin dashboard.
type Counts struct {
	Participants  int `json:"participants"`
	TaskSessions  int `json:"task_sessions"`
	Trials        int `json:"task_trials"`
	StressSamples int `json:"stress_logs"`
}

// ParticipantOverview is one row of the admin participant list.
type ParticipantOverview struct {
	Participant
	Sessions     int        `json:"sessions"`
	Trials       int        `json:"trials"`
	LastStress   *float64   `json:"last_stress,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// LogQuery filters trial records. Zero fields match everything.
type LogQuery struct {
	ParticipantID string     `json:"participant_id"`
	SessionID     string     `json:"session_id"`
	Task          string     `json:"task"`
	Since         *time.Time `json:"since"`
	Until         *time.Time `json:"until"`
	Limit         int        `json:"limit"`
}

func (q LogQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 5000 {
		return 500
	}
	return q.Limit
}

type Store interface {
	// RegisterParticipant creates p or returns the existing record with
	// created=false.
	RegisterParticipant(ctx context.Context, p Participant) (Participant, bool, error)
	GetParticipant(ctx context.Context, id string) (Participant, error)
	ListParticipants(ctx context.Context) ([]ParticipantOverview, error)
	SetDifficulty(ctx context.Context, participantID string, level int) error

	StartSession(ctx context.Context, s TaskSession) error
	GetSession(ctx context.Context, id string) (TaskSession, error)
	// AppendTrial accepts only the next index of an open session. Re-sending
	// the last accepted index returns duplicate=true and changes nothing.
	AppendTrial(ctx context.Context, r TrialRecord) (duplicate bool, err error)
	FinishSession(ctx context.Context, id string, finalIndex int, at time.Time) (TaskSession, error)
	ListTrials(ctx context.Context, sessionID string) ([]TrialRecord, error)
	QueryTrials(ctx context.Context, q LogQuery) ([]TrialRecord, error)

	AddStressSample(ctx context.Context, s StressSample) error
	LatestStress(ctx context.Context, participantID string) (StressSample, bool, error)

	Counts(ctx context.Context) (Counts, error)

	Close() error
}
