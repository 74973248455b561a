package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/config"
	"github.com/antoniostano/stresslab/internal/observability"
	"github.com/antoniostano/stresslab/internal/pushhub"
	"github.com/antoniostano/stresslab/internal/session"
	"github.com/antoniostano/stresslab/internal/store"
	"github.com/antoniostano/stresslab/internal/stress"
)

// Deps are the collaborators the HTTP layer routes into.
type Deps struct {
	Store    store.Store
	Sessions *session.Manager
	Hub      *pushhub.Hub
	Polls    *pushhub.PollRegistry
	Admin    *auth.Admin
	Metrics  *observability.Metrics
	Log      zerolog.Logger
	// Classifier scores RR-interval uploads; nil uses stress.Baseline.
	Classifier stress.Classifier
}

type Server struct {
	cfg      config.Config
	store    store.Store
	sessions *session.Manager
	hub      *pushhub.Hub
	polls    *pushhub.PollRegistry
	admin    *auth.Admin
	metrics  *observability.Metrics
	log      zerolog.Logger
	classify stress.Classifier
	upgrader websocket.Upgrader
	now      func() time.Time

	// serializes read-modify-write of a participant's stress EMA
	stressMu sync.Mutex
}

func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		polls:    deps.Polls,
		admin:    deps.Admin,
		metrics:  deps.Metrics,
		log:      deps.Log.With().Str("component", "httpapi").Logger(),
		classify: deps.Classifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.classify == nil {
		s.classify = stress.Baseline{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts non-browser clients, same-host pages and the
// configured allowed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		origins := s.cfg.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))

		r.Post("/register", s.handleRegister)
		r.Post("/session", s.handleCreateSession)
		r.Post("/stress", s.handleStress)

		r.Group(func(r chi.Router) {
			r.Use(s.requireParticipant)
			r.Post("/task/start", s.handleTaskStart)
			r.Post("/task/event", s.handleTaskEvent)
			r.Post("/task/finish", s.handleTaskFinish)
			r.Get("/task/summary/{id}", s.handleTaskSummary)
		})

		r.Post("/admin/login", s.handleAdminLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/admin/participants", s.handleAdminParticipants)
			r.Post("/admin/participants/{id}/difficulty", s.handleAdminSetDifficulty)
			r.Post("/admin/logs/query", s.handleAdminQueryLogs)
			r.Get("/admin/stats", s.handleAdminStats)
		})
	})

	r.Get("/v1/push/ws", s.handlePushWS)
	r.Post("/v1/push/poll", s.handlePollOpen)
	r.Get("/v1/push/poll/{sid}", s.handlePollRead)
	r.Post("/v1/push/poll/{sid}", s.handlePollWrite)
	r.Delete("/v1/push/poll/{sid}", s.handlePollClose)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListParticipants(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"push":   s.hub.Stats(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
