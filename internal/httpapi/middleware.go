package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/session"
)

type ctxKey int

const (
	participantKey ctxKey = iota
	adminKey
)

// requireParticipant resolves the bearer token to an active participant
// session.
func (s *Server) requireParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "missing_token", err.Error())
			return
		}
		sess, err := s.sessions.Validate(token)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, session.ErrExpired) {
				code = "token_expired"
				s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
			}
			respondError(w, http.StatusUnauthorized, code, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), participantKey, sess)))
	})
}

func participantFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(participantKey).(*session.Session)
	return sess
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "missing_token", err.Error())
			return
		}
		claims, err := s.admin.Verify(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, claims)))
	})
}
