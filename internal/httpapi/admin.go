package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/observability"
	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/pushhub"
	"github.com/antoniostano/stresslab/internal/store"
)

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type difficultyRequest struct {
	Difficulty *int `json:"difficulty"`
}

type adminStats struct {
	store.Counts
	ActiveTokens int                               `json:"active_tokens"`
	Push         pushhub.Stats                     `json:"push"`
	Reaction     observability.TrialWindowSnapshot `json:"reaction"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	token, expires, err := s.admin.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		respondError(w, http.StatusServiceUnavailable, "login_disabled", err.Error())
		return
	case err != nil:
		s.log.Warn().Str("username", req.Username).Msg("admin login rejected")
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	s.log.Info().Str("username", req.Username).Msg("admin logged in")
	respondJSON(w, http.StatusOK, adminLoginResponse{OK: true, Token: token, ExpiresAt: expires})
}

func (s *Server) handleAdminParticipants(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListParticipants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "data": list})
}

// handleAdminSetDifficulty records a difficulty level decided outside this
// service and pushes it to the participant's room.
func (s *Server) handleAdminSetDifficulty(w http.ResponseWriter, r *http.Request) {
	pid := strings.TrimSpace(chi.URLParam(r, "id"))
	var req difficultyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Difficulty == nil {
		respondError(w, http.StatusBadRequest, "invalid_difficulty", "difficulty required")
		return
	}
	level := *req.Difficulty
	if level < s.cfg.DifficultyMin || level > s.cfg.DifficultyMax {
		respondError(w, http.StatusBadRequest, "invalid_difficulty",
			fmt.Sprintf("difficulty must be within [%d, %d]", s.cfg.DifficultyMin, s.cfg.DifficultyMax))
		return
	}
	if err := s.store.SetDifficulty(r.Context(), pid, level); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "participant_not_found", "participant is not registered")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	delivered, err := s.hub.PublishToParticipant(pid, protocol.DifficultyEventName(pid), protocol.DifficultyUpdate{Difficulty: level})
	if err != nil {
		s.log.Warn().Err(err).Str("participant_id", pid).Msg("publish difficulty update failed")
	}
	admin := ""
	if claims, ok := r.Context().Value(adminKey).(*auth.Claims); ok {
		admin = claims.Subject
	}
	s.log.Info().
		Str("participant_id", pid).
		Int("difficulty", level).
		Int("delivered", delivered).
		Str("admin", admin).
		Msg("difficulty updated")
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "participant_id": pid, "difficulty": level, "delivered": delivered})
}

func (s *Server) handleAdminQueryLogs(w http.ResponseWriter, r *http.Request) {
	var q store.LogQuery
	if err := decodeJSON(r, &q); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if q.Since != nil && q.Until != nil && q.Until.Before(*q.Since) {
		respondError(w, http.StatusBadRequest, "invalid_range", "until is before since")
		return
	}
	trials, err := s.store.QueryTrials(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if trials == nil {
		trials = []store.TrialRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(trials), "data": trials})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "data": adminStats{
		Counts:       counts,
		ActiveTokens: s.sessions.ActiveCount(),
		Push:         s.hub.Stats(),
		Reaction:     s.metrics.TrialSnapshot(),
	}})
}
