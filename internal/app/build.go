package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/config"
	"github.com/antoniostano/stresslab/internal/httpapi"
	"github.com/antoniostano/stresslab/internal/observability"
	"github.com/antoniostano/stresslab/internal/pushhub"
	"github.com/antoniostano/stresslab/internal/session"
	"github.com/antoniostano/stresslab/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Store    store.Store
	Sessions *session.Manager
	Hub      *pushhub.Hub
	Polls    *pushhub.PollRegistry
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release the store.
	Cleanup func() error
}

// BuildServer wires the sink, push and admin server.
func BuildServer(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	admin, err := auth.NewAdmin(cfg.AdminUsername, cfg.AdminPasswordHash, cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("admin auth init failed: %w", err)
	}
	if !admin.Enabled() {
		log.Warn().Msg("ADMIN_PASSWORD_HASH not set; admin login disabled")
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set; admin tokens will not survive a restart")
	}

	sessions := session.NewManager(cfg.SessionTTL)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("token_expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		log.Debug().Str("participant_id", s.ParticipantID).Msg("participant token expired")
	})

	hub := pushhub.NewHub(cfg.PushClientBuffer, metrics, log)
	// A poll peer that misses a few polls in a row is gone.
	polls := pushhub.NewPollRegistry(hub, 3*cfg.PushPollWait)

	api := httpapi.New(cfg, httpapi.Deps{
		Store:    st,
		Sessions: sessions,
		Hub:      hub,
		Polls:    polls,
		Admin:    admin,
		Metrics:  metrics,
		Log:      log,
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Store:    st,
		Sessions: sessions,
		Hub:      hub,
		Polls:    polls,
		Metrics:  metrics,
		Cleanup:  st.Close,
	}, nil
}

// StartBackground runs the token and poll janitors until ctx ends.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)
	b.Polls.StartJanitor(ctx, 10*time.Second)
}
