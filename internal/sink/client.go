package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to the trial event sink over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient returns a sink client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "sink").Logger(),
	}
}

// StartSession asks the sink to open a task session and returns its id.
func (c *Client) StartSession(ctx context.Context, token string, req StartRequest) (string, error) {
	var resp StartResponse
	if err := c.post(ctx, "/api/task/start", token, req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return "", fmt.Errorf("sink returned empty session_id")
	}
	return resp.SessionID, nil
}

// EmitTrialEvent records one trial.
func (c *Client) EmitTrialEvent(ctx context.Context, token string, ev TrialEvent) error {
	return c.post(ctx, "/api/task/event", token, ev, nil)
}

// FinishSession closes a session at its final trial index.
func (c *Client) FinishSession(ctx context.Context, token string, req FinishRequest) error {
	return c.post(ctx, "/api/task/finish", token, req, nil)
}

// RegisterResponse is returned by POST /api/register.
type RegisterResponse struct {
	OK            bool   `json:"ok"`
	ParticipantID string `json:"participant_id"`
	Group         string `json:"group"`
}

// Register creates (or fetches) a participant. An empty id lets the server
// assign one.
func (c *Client) Register(ctx context.Context, participantID string) (RegisterResponse, error) {
	var resp RegisterResponse
	body := map[string]string{}
	if participantID != "" {
		body["participant_id"] = participantID
	}
	if err := c.post(ctx, "/api/register", "", body, &resp); err != nil {
		return RegisterResponse{}, err
	}
	return resp, nil
}

// SessionResponse is returned by POST /api/session.
type SessionResponse struct {
	OK   bool `json:"ok"`
	Data struct {
		ParticipantID string    `json:"participant_id"`
		Token         string    `json:"token"`
		ExpiresAt     time.Time `json:"expires_at"`
	} `json:"data"`
}

// OpenSession obtains a bearer token for a participant.
func (c *Client) OpenSession(ctx context.Context, participantID string) (SessionResponse, error) {
	var resp SessionResponse
	if err := c.post(ctx, "/api/session", "", map[string]string{"participant_id": participantID}, &resp); err != nil {
		return SessionResponse{}, err
	}
	if resp.Data.Token == "" {
		return SessionResponse{}, fmt.Errorf("sink returned empty token")
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path, token string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.log.Debug().Str("path", path).Int("status", res.StatusCode).Msg("sink rejected request")
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
