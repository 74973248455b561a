package pushconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/stresslab/internal/protocol"
)

const pollPath = "/v1/push/poll"

var errPollSessionGone = errors.New("poll session gone")

// PollingTransport is the HTTP long-poll fallback.
type PollingTransport struct {
	client *http.Client
	wait   time.Duration
}

// NewPollingTransport returns a long-poll transport asking the server to hold
// each poll for up to wait (25s when zero).
func NewPollingTransport(wait time.Duration) *PollingTransport {
	if wait <= 0 {
		wait = 25 * time.Second
	}
	return &PollingTransport{
		client: &http.Client{Timeout: wait + 10*time.Second},
		wait:   wait,
	}
}

func (t *PollingTransport) Name() string { return "polling" }

func (t *PollingTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	base, err := pollURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, err
	}
	res, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open poll session: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("open poll session: status %d", res.StatusCode)
	}
	var open protocol.PollOpen
	if err := json.NewDecoder(res.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("decode poll session: %w", err)
	}
	if strings.TrimSpace(open.SID) == "" {
		return nil, errors.New("open poll session: empty sid")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		client: t.client,
		url:    base + "/" + url.PathEscape(open.SID),
		wait:   t.wait,
		ctx:    connCtx,
		cancel: cancel,
	}, nil
}

type pollConn struct {
	client *http.Client
	url    string
	wait   time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []protocol.Frame
	closeOnce sync.Once
}

func (c *pollConn) Read(_ context.Context) (protocol.Frame, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			f := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return f, nil
		}
		c.mu.Unlock()

		frames, err := c.poll()
		if err != nil {
			return protocol.Frame{}, err
		}
		c.mu.Lock()
		c.pending = append(c.pending, frames...)
		c.mu.Unlock()
	}
}

func (c *pollConn) poll() ([]protocol.Frame, error) {
	u := fmt.Sprintf("%s?wait_ms=%d", c.url, c.wait.Milliseconds())
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return nil, errPollSessionGone
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("poll: status %d", res.StatusCode)
	}
	var batch protocol.PollBatch
	if err := json.NewDecoder(res.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode poll batch: %w", err)
	}
	return batch.Frames, nil
}

func (c *pollConn) Write(ctx context.Context, f protocol.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone {
		return errPollSessionGone
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("poll send: status %d", res.StatusCode)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
		if err != nil {
			return
		}
		if res, err := c.client.Do(req); err == nil {
			_ = res.Body.Close()
		}
	})
	return nil
}

func pollURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "http://localhost:5000"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "ws", "":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + pollPath
	return u.String(), nil
}
