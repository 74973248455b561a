package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/pushhub"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 45 * time.Second

	maxPollWait = 60 * time.Second
)

func (s *Server) handlePushWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	peer := s.hub.Register(pushhub.TransportWebSocket)
	defer s.hub.Unregister(peer)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-peer.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			case f := <-peer.Outbound():
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(f); err != nil {
					s.metrics.ObservePush("outbound", f.Event, "write_error")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.hub.HandleClientFrame(peer, data); err != nil {
			s.log.Debug().Err(err).Str("peer", peer.ID).Msg("rejected push frame")
		}
	}

	s.hub.Unregister(peer)
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handlePollOpen(w http.ResponseWriter, _ *http.Request) {
	peer := s.polls.Open()
	s.metrics.SessionEvents.WithLabelValues("poll_opened").Inc()
	respondJSON(w, http.StatusCreated, protocol.PollOpen{SID: peer.ID})
}

func (s *Server) handlePollRead(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.polls.Get(chi.URLParam(r, "sid"))
	if !ok {
		respondError(w, http.StatusNotFound, "poll_session_not_found", "unknown poll session")
		return
	}
	wait := s.cfg.PushPollWait
	if raw := strings.TrimSpace(r.URL.Query().Get("wait_ms")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			respondError(w, http.StatusBadRequest, "invalid_wait", "wait_ms must be a non-negative integer")
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}
	if wait <= 0 || wait > maxPollWait {
		wait = min(s.cfg.PushPollWait, maxPollWait)
	}

	frames := s.polls.Poll(r.Context(), peer, wait)
	select {
	case <-peer.Done():
		if len(frames) == 0 {
			respondError(w, http.StatusGone, "poll_session_closed", "poll session closed")
			return
		}
	default:
	}
	if frames == nil {
		frames = []protocol.Frame{}
	}
	respondJSON(w, http.StatusOK, protocol.PollBatch{Frames: frames})
}

func (s *Server) handlePollWrite(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.polls.Get(chi.URLParam(r, "sid"))
	if !ok {
		respondError(w, http.StatusNotFound, "poll_session_not_found", "unknown poll session")
		return
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.hub.HandleClientFrame(peer, data); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_client_message", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePollClose(w http.ResponseWriter, r *http.Request) {
	if !s.polls.Close(chi.URLParam(r, "sid")) {
		respondError(w, http.StatusNotFound, "poll_session_not_found", "unknown poll session")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("poll_closed").Inc()
	w.WriteHeader(http.StatusNoContent)
}
