package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/sink"
	"github.com/antoniostano/stresslab/internal/store"
)

type trialAck struct {
	OK         bool `json:"ok"`
	TrialIndex int  `json:"trial_index"`
	Duplicate  bool `json:"duplicate,omitempty"`
}

type orderErrorResponse struct {
	errorResponse
	Expected int `json:"expected_trial_index"`
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	caller := participantFrom(r.Context())
	var req sink.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Task = sink.Task(strings.ToLower(strings.TrimSpace(string(req.Task))))
	if !req.Task.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_task", "task must be nback, stroop or reaction")
		return
	}

	ts := store.TaskSession{
		ID:            uuid.NewString(),
		ParticipantID: caller.ParticipantID,
		Task:          string(req.Task),
		Config:        req.Config,
		StartedAt:     s.now(),
	}
	if err := s.store.StartSession(r.Context(), ts); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "participant_not_found", err.Error())
			return
		}
		s.log.Error().Err(err).Str("participant_id", caller.ParticipantID).Msg("start task session failed")
		respondError(w, http.StatusInternalServerError, "store_error", "could not start session")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("task_started").Inc()
	s.log.Info().
		Str("participant_id", caller.ParticipantID).
		Str("session_id", ts.ID).
		Str("task", ts.Task).
		Msg("task session started")
	respondJSON(w, http.StatusCreated, sink.StartResponse{OK: true, SessionID: ts.ID})
}

func (s *Server) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	caller := participantFrom(r.Context())
	var ev sink.TrialEvent
	if err := decodeJSON(r, &ev); err != nil {
		s.metrics.TrialRejections.WithLabelValues("invalid_request").Inc()
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(ev.SessionID) == "" || ev.TrialIndex < 1 {
		s.metrics.TrialRejections.WithLabelValues("invalid_request").Inc()
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and a positive trial_index are required")
		return
	}
	switch ev.Outcome {
	case "":
		ev.Outcome = sink.OutcomeScored
	case sink.OutcomeScored, sink.OutcomeTimeout, sink.OutcomeEarly:
	default:
		s.metrics.TrialRejections.WithLabelValues("invalid_request").Inc()
		respondError(w, http.StatusBadRequest, "invalid_outcome", "outcome must be scored, timeout or early")
		return
	}

	ts, ok := s.ownedSession(w, r, caller.ParticipantID, ev.SessionID)
	if !ok {
		return
	}
	if ev.Task != "" && string(ev.Task) != ts.Task {
		s.metrics.TrialRejections.WithLabelValues("task_mismatch").Inc()
		respondError(w, http.StatusBadRequest, "task_mismatch", "event task does not match session task")
		return
	}

	rec := store.TrialRecord{
		SessionID:      ev.SessionID,
		TrialIndex:     ev.TrialIndex,
		Stimulus:       ev.Stimulus,
		Response:       ev.Response,
		Correct:        ev.Correct,
		ReactionTimeMS: ev.ReactionTimeMS,
		Difficulty:     ev.Difficulty,
		Stress:         ev.Stress,
		Outcome:        string(ev.Outcome),
		RecordedAt:     s.now(),
	}
	dup, err := s.store.AppendTrial(r.Context(), rec)
	if err != nil {
		s.rejectTrial(w, ev, err)
		return
	}
	if dup {
		respondJSON(w, http.StatusOK, trialAck{OK: true, TrialIndex: ev.TrialIndex, Duplicate: true})
		return
	}

	s.metrics.ObserveTrial(ts.Task, rec.Outcome, time.Duration(rec.ReactionTimeMS)*time.Millisecond, rec.Correct)
	if _, err := s.hub.PublishTaskEvent(protocol.TaskEvent{
		ParticipantID:  ts.ParticipantID,
		SessionID:      ts.ID,
		Task:           ts.Task,
		TrialIndex:     rec.TrialIndex,
		Stimulus:       rec.Stimulus,
		Response:       rec.Response,
		Correct:        rec.Correct,
		ReactionTimeMS: rec.ReactionTimeMS,
		Outcome:        rec.Outcome,
		At:             rec.RecordedAt,
	}); err != nil {
		s.log.Warn().Err(err).Str("session_id", ts.ID).Msg("publish task event failed")
	}
	respondJSON(w, http.StatusOK, trialAck{OK: true, TrialIndex: ev.TrialIndex})
}

func (s *Server) rejectTrial(w http.ResponseWriter, ev sink.TrialEvent, err error) {
	var oe *store.OrderError
	switch {
	case errors.As(err, &oe):
		s.metrics.TrialRejections.WithLabelValues("out_of_order").Inc()
		s.log.Warn().
			Str("session_id", ev.SessionID).
			Int("expected", oe.Expected).
			Int("got", oe.Got).
			Msg("trial out of order")
		respondJSON(w, http.StatusConflict, orderErrorResponse{
			errorResponse: errorResponse{Error: err.Error(), Code: "out_of_order"},
			Expected:      oe.Expected,
		})
	case errors.Is(err, store.ErrSessionEnded):
		s.metrics.TrialRejections.WithLabelValues("session_ended").Inc()
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.metrics.TrialRejections.WithLabelValues("unknown_session").Inc()
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		s.metrics.TrialRejections.WithLabelValues("store_error").Inc()
		s.log.Error().Err(err).Str("session_id", ev.SessionID).Int("trial_index", ev.TrialIndex).Msg("append trial failed")
		respondError(w, http.StatusInternalServerError, "store_error", "could not record trial")
	}
}

func (s *Server) handleTaskFinish(w http.ResponseWriter, r *http.Request) {
	caller := participantFrom(r.Context())
	var req sink.FinishRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || req.FinalTrialIndex < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id required")
		return
	}
	ts, ok := s.ownedSession(w, r, caller.ParticipantID, req.SessionID)
	if !ok {
		return
	}
	if req.FinalTrialIndex > ts.LastTrialIndex {
		respondError(w, http.StatusConflict, "unrecorded_trials", "final_trial_index exceeds the last recorded trial")
		return
	}

	alreadyEnded := ts.EndedAt != nil
	ts, err := s.store.FinishSession(r.Context(), req.SessionID, req.FinalTrialIndex, s.now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !alreadyEnded {
		s.metrics.SessionEvents.WithLabelValues("task_finished").Inc()
		s.log.Info().
			Str("session_id", ts.ID).
			Int("final_trial_index", req.FinalTrialIndex).
			Msg("task session finished")
	}
	respondJSON(w, http.StatusOK, sink.Ack{OK: true})
}

func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request) {
	caller := participantFrom(r.Context())
	ts, ok := s.ownedSession(w, r, caller.ParticipantID, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	trials, err := s.store.ListTrials(r.Context(), ts.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, store.Summarize(ts, trials))
}

// ownedSession loads a task session and checks it belongs to the caller.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, participantID, sessionID string) (store.TaskSession, bool) {
	ts, err := s.store.GetSession(r.Context(), strings.TrimSpace(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "unknown session")
			return store.TaskSession{}, false
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return store.TaskSession{}, false
	}
	if ts.ParticipantID != participantID {
		respondError(w, http.StatusForbidden, "forbidden", "session belongs to another participant")
		return store.TaskSession{}, false
	}
	return ts, true
}
