package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClientStartSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task/start" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
		}
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Task != TaskNBack || req.Config["block"] != float64(1) {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"session_id":"s-1"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second, zerolog.Nop())
	id, err := c.StartSession(context.Background(), "tok", StartRequest{Task: TaskNBack, Config: map[string]any{"block": 1}})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if id != "s-1" {
		t.Fatalf("session id = %q, want s-1", id)
	}
}

func TestClientUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second, zerolog.Nop())
	err := c.EmitTrialEvent(context.Background(), "bad", TrialEvent{SessionID: "s", TrialIndex: 1})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("error = %v, want *StatusError 401", err)
	}
}

func TestClientStatusErrorNotUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second, zerolog.Nop())
	err := c.FinishSession(context.Background(), "tok", FinishRequest{SessionID: "s", FinalTrialIndex: 3})
	if err == nil || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want non-auth status error", err)
	}
}

func TestClientOpenSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"data":{"participant_id":"P1","token":"abc","expires_at":"2026-01-01T00:00:00Z"}}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", time.Second, zerolog.Nop())
	resp, err := c.OpenSession(context.Background(), "P1")
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	if resp.Data.Token != "abc" {
		t.Fatalf("token = %q, want abc", resp.Data.Token)
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := &StatusError{Code: 401}
	err := &TrialEmitError{SessionID: "s", TrialIndex: 5, Err: inner}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("TrialEmitError should unwrap to ErrUnauthorized")
	}
	start := &SessionStartError{Task: TaskStroop, Attempts: 2, Err: errors.New("boom")}
	if start.Error() == "" || errors.Is(start, ErrUnauthorized) {
		t.Fatalf("unexpected SessionStartError behaviour: %v", start)
	}
}
