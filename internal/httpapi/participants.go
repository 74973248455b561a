package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/antoniostano/stresslab/internal/session"
	"github.com/antoniostano/stresslab/internal/store"
)

const defaultGroup = "control"

type registerRequest struct {
	ParticipantID string `json:"participant_id"`
	Group         string `json:"group"`
}

type registerResponse struct {
	OK            bool   `json:"ok"`
	ParticipantID string `json:"participant_id"`
	Group         string `json:"group"`
	Created       bool   `json:"created"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pid := strings.TrimSpace(req.ParticipantID)
	if pid == "" {
		pid = "P_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	group := strings.TrimSpace(req.Group)
	if group == "" {
		group = defaultGroup
	}

	p, created, err := s.store.RegisterParticipant(r.Context(), store.Participant{
		ID:         pid,
		Group:      group,
		Difficulty: s.cfg.DefaultDifficulty,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("participant_id", pid).Msg("register participant failed")
		respondError(w, http.StatusInternalServerError, "store_error", "could not register participant")
		return
	}
	if created {
		s.metrics.SessionEvents.WithLabelValues("participant_registered").Inc()
		s.log.Info().Str("participant_id", p.ID).Str("group", p.Group).Msg("participant registered")
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, registerResponse{OK: true, ParticipantID: p.ID, Group: p.Group, Created: created})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pid := strings.TrimSpace(req.ParticipantID)
	if pid == "" {
		respondError(w, http.StatusBadRequest, "missing_participant_id", "participant_id required")
		return
	}
	if _, err := s.store.GetParticipant(r.Context(), pid); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "participant_not_found", "participant is not registered")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	sess := s.sessions.Create(pid)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("token_issued").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		OK: true,
		Data: session.TokenDetail{
			ParticipantID: sess.ParticipantID,
			Token:         sess.Token,
			ExpiresAt:     sess.ExpiresAt,
		},
	})
}
