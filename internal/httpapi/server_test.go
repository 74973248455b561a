package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/config"
	"github.com/antoniostano/stresslab/internal/observability"
	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/pushhub"
	"github.com/antoniostano/stresslab/internal/session"
	"github.com/antoniostano/stresslab/internal/store"
	"github.com/antoniostano/stresslab/internal/stress"
)

var namespaceSeq atomic.Int64

type testEnv struct {
	ts       *httptest.Server
	hub      *pushhub.Hub
	store    store.Store
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithClassifier(t, nil)
}

func newTestEnvWithClassifier(t *testing.T, classifier stress.Classifier) *testEnv {
	t.Helper()
	cfg := config.Config{
		AllowedOrigins:    []string{"*"},
		StressEMAAlpha:    0.3,
		PushPollWait:      2 * time.Second,
		DifficultyMin:     1,
		DifficultyMax:     5,
		DefaultDifficulty: 2,
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), namespaceSeq.Add(1)))
	hub := pushhub.NewHub(16, metrics, zerolog.Nop())
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	admin, err := auth.NewAdmin("admin", string(hash), "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}
	st := store.NewInMemoryStore()
	sessions := session.NewManager(time.Hour)
	srv := New(cfg, Deps{
		Store:    st,
		Sessions: sessions,
		Hub:      hub,
		Polls:    pushhub.NewPollRegistry(hub, time.Minute),
		Admin:    admin,
		Metrics:  metrics,
		Log:      zerolog.Nop(),

		Classifier: classifier,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, hub: hub, store: st, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (e *testEnv) participantToken(t *testing.T, pid string) string {
	t.Helper()
	if code := e.do(t, http.MethodPost, "/api/register", "", map[string]string{"participant_id": pid}, nil); code != http.StatusCreated && code != http.StatusOK {
		t.Fatalf("register status = %d", code)
	}
	var created session.CreateResponse
	if code := e.do(t, http.MethodPost, "/api/session", "", map[string]string{"participant_id": pid}, &created); code != http.StatusCreated {
		t.Fatalf("session status = %d", code)
	}
	if created.Data.Token == "" {
		t.Fatalf("empty token")
	}
	return created.Data.Token
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	var res adminLoginResponse
	if code := e.do(t, http.MethodPost, "/api/admin/login", "", adminLoginRequest{Username: "admin", Password: "s3cret"}, &res); code != http.StatusOK {
		t.Fatalf("admin login status = %d", code)
	}
	return res.Token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func trial(sessionID string, index int) map[string]any {
	return map[string]any{
		"session_id":       sessionID,
		"trial_index":      index,
		"stimulus":         "K",
		"response":         "match",
		"correct":          true,
		"reaction_time_ms": 400,
		"outcome":          "scored",
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	if code := env.do(t, http.MethodGet, "/healthz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/readyz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("readyz status = %d", code)
	}
}

func TestRegisterAssignsIDAndGroup(t *testing.T) {
	env := newTestEnv(t)
	var res registerResponse
	if code := env.do(t, http.MethodPost, "/api/register", "", map[string]string{}, &res); code != http.StatusCreated {
		t.Fatalf("register status = %d", code)
	}
	if !strings.HasPrefix(res.ParticipantID, "P_") || len(res.ParticipantID) != 10 || res.Group != "control" {
		t.Fatalf("register response = %+v", res)
	}

	var again registerResponse
	if code := env.do(t, http.MethodPost, "/api/register", "", map[string]string{"participant_id": res.ParticipantID}, &again); code != http.StatusOK || again.Created {
		t.Fatalf("re-register = %d %+v", code, again)
	}
}

func TestSessionRequiresRegisteredParticipant(t *testing.T) {
	env := newTestEnv(t)
	if code := env.do(t, http.MethodPost, "/api/session", "", map[string]string{"participant_id": "ghost"}, nil); code != http.StatusNotFound {
		t.Fatalf("session for unknown participant status = %d, want 404", code)
	}
	if code := env.do(t, http.MethodPost, "/api/session", "", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Fatalf("session without participant status = %d, want 400", code)
	}
}

func TestTaskRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	if code := env.do(t, http.MethodPost, "/api/task/start", "", map[string]string{"task": "nback"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("start without token status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/task/start", "nope", map[string]string{"task": "nback"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("start with unknown token status = %d", code)
	}
}

func TestTaskFlowOrderingAndFinish(t *testing.T) {
	env := newTestEnv(t)
	token := env.participantToken(t, "P1")

	var started struct {
		SessionID string `json:"session_id"`
	}
	if code := env.do(t, http.MethodPost, "/api/task/start", token, map[string]any{"task": "nback", "config": map[string]any{"trials": 3}}, &started); code != http.StatusCreated {
		t.Fatalf("start status = %d", code)
	}
	sid := started.SessionID

	for i := 1; i <= 3; i++ {
		if code := env.do(t, http.MethodPost, "/api/task/event", token, trial(sid, i), nil); code != http.StatusOK {
			t.Fatalf("event %d status = %d", i, code)
		}
	}

	var dup trialAck
	if code := env.do(t, http.MethodPost, "/api/task/event", token, trial(sid, 3), &dup); code != http.StatusOK || !dup.Duplicate {
		t.Fatalf("re-sent event = %d %+v", code, dup)
	}

	var gap orderErrorResponse
	if code := env.do(t, http.MethodPost, "/api/task/event", token, trial(sid, 5), &gap); code != http.StatusConflict || gap.Expected != 4 || gap.Code != "out_of_order" {
		t.Fatalf("gap event = %d %+v", code, gap)
	}

	finish := map[string]any{"session_id": sid, "final_trial_index": 3}
	if code := env.do(t, http.MethodPost, "/api/task/finish", token, finish, nil); code != http.StatusOK {
		t.Fatalf("finish status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/task/finish", token, finish, nil); code != http.StatusOK {
		t.Fatalf("second finish status = %d", code)
	}

	var ended errorResponse
	if code := env.do(t, http.MethodPost, "/api/task/event", token, trial(sid, 4), &ended); code != http.StatusConflict || ended.Code != "session_ended" {
		t.Fatalf("event after finish = %d %+v", code, ended)
	}

	var sum store.Summary
	if code := env.do(t, http.MethodGet, "/api/task/summary/"+sid, token, nil, &sum); code != http.StatusOK {
		t.Fatalf("summary status = %d", code)
	}
	if sum.Trials != 3 || sum.Correct != 3 || sum.Session.FinalTrialIndex == nil || *sum.Session.FinalTrialIndex != 3 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestFinishRejectsUnrecordedFinalIndex(t *testing.T) {
	env := newTestEnv(t)
	token := env.participantToken(t, "P1")
	var started struct {
		SessionID string `json:"session_id"`
	}
	env.do(t, http.MethodPost, "/api/task/start", token, map[string]any{"task": "stroop"}, &started)
	finish := map[string]any{"session_id": started.SessionID, "final_trial_index": 2}
	if code := env.do(t, http.MethodPost, "/api/task/finish", token, finish, nil); code != http.StatusConflict {
		t.Fatalf("finish beyond recorded trials status = %d, want 409", code)
	}
}

func TestEventForOtherParticipantForbidden(t *testing.T) {
	env := newTestEnv(t)
	owner := env.participantToken(t, "P1")
	other := env.participantToken(t, "P2")
	var started struct {
		SessionID string `json:"session_id"`
	}
	env.do(t, http.MethodPost, "/api/task/start", owner, map[string]any{"task": "reaction"}, &started)
	if code := env.do(t, http.MethodPost, "/api/task/event", other, trial(started.SessionID, 1), nil); code != http.StatusForbidden {
		t.Fatalf("foreign event status = %d, want 403", code)
	}
}

func TestStartRejectsUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	token := env.participantToken(t, "P1")
	if code := env.do(t, http.MethodPost, "/api/task/start", token, map[string]any{"task": "chess"}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown task status = %d, want 400", code)
	}
}

func TestStressSmoothingAndPush(t *testing.T) {
	env := newTestEnv(t)
	token := env.participantToken(t, "P1")

	reg := pushhub.NewPollRegistry(env.hub, time.Minute)
	peer := reg.Open()
	env.hub.Join(peer, "P1")

	var first, second stressResponse
	if code := env.do(t, http.MethodPost, "/api/stress", token, map[string]any{"proba_high": 0.5}, &first); code != http.StatusOK {
		t.Fatalf("first stress status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/stress", "", map[string]any{"participant_id": "P1", "proba_high": 0.5}, &second); code != http.StatusOK {
		t.Fatalf("second stress status = %d", code)
	}
	if math.Abs(first.EMAHigh-0.15) > 1e-9 || math.Abs(second.EMAHigh-0.255) > 1e-9 {
		t.Fatalf("ema = %v, %v, want 0.15, 0.255", first.EMAHigh, second.EMAHigh)
	}

	frames := reg.Poll(t.Context(), peer, time.Second)
	if len(frames) != 2 || frames[0].Event != "stress_update_P1" {
		t.Fatalf("pushed frames = %+v", frames)
	}
	upd, err := protocol.ParseStressUpdate(frames[1].Event, frames[1].Data)
	if err != nil || math.Abs(upd.EMAHigh-0.255) > 1e-9 {
		t.Fatalf("second update = %+v, %v", upd, err)
	}
}

func TestStressRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.participantToken(t, "P1")
	for _, body := range []map[string]any{
		{},
		{"participant_id": "P1"},
		{"participant_id": "P1", "proba_high": 1.5},
	} {
		if code := env.do(t, http.MethodPost, "/api/stress", "", body, nil); code != http.StatusBadRequest {
			t.Fatalf("stress %v status = %d, want 400", body, code)
		}
	}
	if code := env.do(t, http.MethodPost, "/api/stress", "", map[string]any{"participant_id": "ghost", "proba_high": 0.2}, nil); code != http.StatusNotFound {
		t.Fatalf("stress for unknown participant status = %d, want 404", code)
	}
}

func TestStressBodyShapes(t *testing.T) {
	rr := []float64{800, 810, 790, 805}
	want, err := stress.ComputeFeatures(rr)
	if err != nil {
		t.Fatalf("ComputeFeatures() error = %v", err)
	}
	var seen stress.Features
	scored := stress.ClassifierFunc(func(_ context.Context, f stress.Features) (float64, error) {
		seen = f
		return 0.5, nil
	})
	failing := stress.ClassifierFunc(func(context.Context, stress.Features) (float64, error) {
		return 0, errors.New("model unavailable")
	})
	outOfRange := stress.ClassifierFunc(func(context.Context, stress.Features) (float64, error) {
		return 1.2, nil
	})

	cases := []struct {
		name       string
		classifier stress.Classifier
		body       map[string]any
		wantStatus int
		wantCode   string
		wantProba  float64
		wantFeat   bool
	}{
		{name: "proba only", body: map[string]any{"proba_high": 0.5}, wantStatus: http.StatusOK, wantProba: 0.5},
		{name: "rr with default classifier", body: map[string]any{"rr_intervals_ms": rr}, wantStatus: http.StatusOK, wantProba: 0, wantFeat: true},
		{name: "rr scored by classifier", classifier: scored, body: map[string]any{"rr_intervals_ms": rr}, wantStatus: http.StatusOK, wantProba: 0.5, wantFeat: true},
		{name: "proba wins over rr", classifier: failing, body: map[string]any{"proba_high": 0.4, "rr_intervals_ms": rr}, wantStatus: http.StatusOK, wantProba: 0.4, wantFeat: true},
		{name: "single rr interval", body: map[string]any{"rr_intervals_ms": []float64{800}}, wantStatus: http.StatusBadRequest, wantCode: "invalid_rr_intervals"},
		{name: "empty rr list", body: map[string]any{"rr_intervals_ms": []float64{}}, wantStatus: http.StatusBadRequest, wantCode: "invalid_rr_intervals"},
		{name: "non-positive rr interval", body: map[string]any{"rr_intervals_ms": []float64{800, 0}}, wantStatus: http.StatusBadRequest, wantCode: "invalid_rr_intervals"},
		{name: "proba out of range with rr", body: map[string]any{"proba_high": -0.1, "rr_intervals_ms": rr}, wantStatus: http.StatusBadRequest, wantCode: "invalid_proba"},
		{name: "classifier failure", classifier: failing, body: map[string]any{"rr_intervals_ms": rr}, wantStatus: http.StatusBadGateway, wantCode: "classifier_error"},
		{name: "classifier out of range", classifier: outOfRange, body: map[string]any{"rr_intervals_ms": rr}, wantStatus: http.StatusBadGateway, wantCode: "classifier_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnvWithClassifier(t, tc.classifier)
			token := env.participantToken(t, "P1")

			var out struct {
				stressResponse
				Code string `json:"code"`
			}
			code := env.do(t, http.MethodPost, "/api/stress", token, tc.body, &out)
			if code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", code, tc.wantStatus, out)
			}
			if tc.wantStatus != http.StatusOK {
				if out.Code != tc.wantCode {
					t.Fatalf("error code = %q, want %q", out.Code, tc.wantCode)
				}
				if _, ok, _ := env.store.LatestStress(t.Context(), "P1"); ok {
					t.Fatalf("rejected request stored a sample")
				}
				return
			}
			if out.ProbaHigh != tc.wantProba {
				t.Fatalf("proba_high = %v, want %v", out.ProbaHigh, tc.wantProba)
			}
			if math.Abs(out.EMAHigh-0.3*tc.wantProba) > 1e-9 {
				t.Fatalf("ema_high = %v, want %v", out.EMAHigh, 0.3*tc.wantProba)
			}

			latest, ok, err := env.store.LatestStress(t.Context(), "P1")
			if err != nil || !ok {
				t.Fatalf("LatestStress() = %v, %v", ok, err)
			}
			if !tc.wantFeat {
				if out.Features != nil || latest.Features != nil {
					t.Fatalf("features present for proba-only body: %+v", latest.Features)
				}
				return
			}
			if out.Features == nil || *out.Features != want {
				t.Fatalf("response features = %+v, want %+v", out.Features, want)
			}
			if latest.Features == nil || *latest.Features != want {
				t.Fatalf("stored features = %+v, want %+v", latest.Features, want)
			}
			if tc.classifier != nil && tc.wantProba == 0.5 && seen != want {
				t.Fatalf("classifier saw %+v, want %+v", seen, want)
			}
		})
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.participantToken(t, "P1")

	if code := env.do(t, http.MethodGet, "/api/admin/participants", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("participants without token status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/admin/login", "", adminLoginRequest{Username: "admin", Password: "bad"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", code)
	}
	admin := env.adminToken(t)

	var list struct {
		Data []store.ParticipantOverview `json:"data"`
	}
	if code := env.do(t, http.MethodGet, "/api/admin/participants", admin, nil, &list); code != http.StatusOK || len(list.Data) != 1 {
		t.Fatalf("participants = %d %+v", code, list)
	}

	if code := env.do(t, http.MethodPost, "/api/admin/participants/P1/difficulty", admin, map[string]int{"difficulty": 9}, nil); code != http.StatusBadRequest {
		t.Fatalf("out of range difficulty status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/admin/participants/ghost/difficulty", admin, map[string]int{"difficulty": 3}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown participant difficulty status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/admin/participants/P1/difficulty", admin, map[string]int{"difficulty": 4}, nil); code != http.StatusOK {
		t.Fatalf("difficulty status = %d", code)
	}
	p, err := env.store.GetParticipant(t.Context(), "P1")
	if err != nil || p.Difficulty != 4 {
		t.Fatalf("stored difficulty = %+v, %v", p, err)
	}

	var logs struct {
		Count int `json:"count"`
	}
	if code := env.do(t, http.MethodPost, "/api/admin/logs/query", admin, map[string]any{"participant_id": "P1"}, &logs); code != http.StatusOK || logs.Count != 0 {
		t.Fatalf("logs query = %d %+v", code, logs)
	}

	if code := env.do(t, http.MethodPost, "/api/stress", "", map[string]any{"participant_id": "P1", "rr_intervals_ms": []float64{800, 810}}, nil); code != http.StatusOK {
		t.Fatalf("stress status = %d", code)
	}
	var stats struct {
		Data adminStats `json:"data"`
	}
	if code := env.do(t, http.MethodGet, "/api/admin/stats", admin, nil, &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	wantCounts := store.Counts{Participants: 1, StressSamples: 1}
	if stats.Data.Counts != wantCounts {
		t.Fatalf("stats counts = %+v, want %+v", stats.Data.Counts, wantCounts)
	}
	if stats.Data.ActiveTokens != 1 {
		t.Fatalf("active_tokens = %d, want 1", stats.Data.ActiveTokens)
	}
}

func TestPushWebSocketReceivesDifficulty(t *testing.T) {
	env := newTestEnv(t)
	env.participantToken(t, "P1")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/push/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join, _ := protocol.NewFrame(protocol.EventJoinRoom, protocol.RoomRequest{ParticipantID: "P1"})
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write join: %v", err)
	}
	waitFor(t, "room join", func() bool { return env.hub.RoomSize("P1") == 1 })

	admin := env.adminToken(t)
	if code := env.do(t, http.MethodPost, "/api/admin/participants/P1/difficulty", admin, map[string]int{"difficulty": 3}, nil); code != http.StatusOK {
		t.Fatalf("difficulty status = %d", code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	upd, err := protocol.ParseDifficultyUpdate(f.Event, f.Data, 1, 5)
	if f.Event != "difficulty_update_P1" || err != nil || upd.Difficulty != 3 {
		t.Fatalf("frame = %+v (%v)", f, err)
	}

	bad := protocol.Frame{Event: "shout"}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}
	if err := conn.ReadJSON(&f); err != nil || f.Event != protocol.EventError {
		t.Fatalf("error frame = %+v, %v", f, err)
	}

	conn.Close()
	waitFor(t, "peer cleanup", func() bool { return env.hub.Stats().Peers == 0 })
}

func TestPushPollingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.participantToken(t, "P1")

	var open protocol.PollOpen
	if code := env.do(t, http.MethodPost, "/v1/push/poll", "", nil, &open); code != http.StatusCreated || open.SID == "" {
		t.Fatalf("poll open = %d %+v", code, open)
	}
	join, _ := protocol.NewFrame(protocol.EventJoinRoom, protocol.RoomRequest{ParticipantID: "P1"})
	if code := env.do(t, http.MethodPost, "/v1/push/poll/"+open.SID, "", join, nil); code != http.StatusNoContent {
		t.Fatalf("poll send status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/v1/push/poll/"+open.SID, "", protocol.Frame{Event: "shout"}, nil); code != http.StatusBadRequest {
		t.Fatalf("poll send invalid status = %d", code)
	}

	var started struct {
		SessionID string `json:"session_id"`
	}
	env.do(t, http.MethodPost, "/api/task/start", token, map[string]any{"task": "nback"}, &started)
	env.do(t, http.MethodPost, "/api/task/event", token, trial(started.SessionID, 1), nil)

	var batch protocol.PollBatch
	if code := env.do(t, http.MethodGet, "/v1/push/poll/"+open.SID+"?wait_ms=1000", "", nil, &batch); code != http.StatusOK {
		t.Fatalf("poll status = %d", code)
	}
	// The invalid frame queued an error_event ahead of the task event.
	var sawTask bool
	for _, f := range batch.Frames {
		if f.Event == protocol.EventTaskEvent {
			sawTask = true
		}
	}
	if !sawTask {
		t.Fatalf("batch = %+v, want a task_event", batch.Frames)
	}

	if code := env.do(t, http.MethodDelete, "/v1/push/poll/"+open.SID, "", nil, nil); code != http.StatusNoContent {
		t.Fatalf("poll close status = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/v1/push/poll/"+open.SID, "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("poll after close status = %d, want 404", code)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{cfg: config.Config{AllowedOrigins: []string{"https://lab.example"}}}
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://lab.example", true},
		{"http://svc.local", true},
		{"https://evil.example", false},
		{"file://x", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://svc.local/v1/push/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := s.checkOrigin(r); got != tc.want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}
