// Package pushconn owns the single push-channel connection shared by every
// screen of a participant or monitoring client.
//
// The connection lives for the whole process: consumers obtain the shared
// Handle through Manager.Acquire and register handlers through their own
// Listener, which they close when they go away. Closing a Listener never
// closes the connection; only Manager.Close does.
package pushconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/reliability"
)

var (
	ErrNotConnected = errors.New("push channel not connected")
	ErrClosed       = errors.New("push channel closed")
)

// ChannelError reports that the push channel could not carry a message.
type ChannelError struct {
	Op    string
	Event string
	Err   error
}

func (e *ChannelError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("push %s %s: %v", e.Op, e.Event, e.Err)
	}
	return fmt.Sprintf("push %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Conn is one established transport session.
type Conn interface {
	Read(ctx context.Context) (protocol.Frame, error)
	Write(ctx context.Context, f protocol.Frame) error
	Close() error
}

// FrameError reports a message that arrived on a live connection but is not
// a valid envelope. The connection stays usable.
type FrameError struct {
	Size int
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed push frame (%d bytes): %v", e.Size, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Transport establishes connections of one kind.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Config controls connection establishment.
type Config struct {
	Endpoint string
	// Transports is the ordered preference list, e.g. websocket then polling.
	Transports []string
	Backoff    reliability.Policy
}

// Manager hands out the process-wide push connection.
type Manager struct {
	cfg        Config
	log        zerolog.Logger
	transports map[string]Transport

	mu     sync.Mutex
	handle *Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager registers the websocket and polling transports plus any extra
// transports (which replace built-ins of the same name).
func NewManager(cfg Config, log zerolog.Logger, extra ...Transport) *Manager {
	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{"websocket", "polling"}
	}
	m := &Manager{
		cfg:        cfg,
		log:        log.With().Str("component", "pushconn").Logger(),
		transports: make(map[string]Transport),
	}
	for _, t := range []Transport{NewWebSocketTransport(), NewPollingTransport(0)} {
		m.transports[t.Name()] = t
	}
	for _, t := range extra {
		m.transports[t.Name()] = t
	}
	return m
}

// Acquire returns the shared handle, starting the connect loop on first use.
// The returned handle may not be connected yet.
func (m *Manager) Acquire() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		return m.handle
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := newHandle(m.log)
	m.handle = h
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.run(ctx, h)
	}(m.done)
	return h
}

// Close tears down the shared connection. It is meant for process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (m *Manager) run(ctx context.Context, h *Handle) {
	defer h.setState(StateClosed, nil, "")

	bo := reliability.NewBackOff(ctx, m.cfg.Backoff)
	for {
		h.setState(StateConnecting, nil, "")
		conn, name, err := m.dial(ctx)
		if err != nil {
			h.setState(StateDisconnected, nil, "")
			if ctx.Err() != nil {
				return
			}
			if !m.waitRetry(ctx, bo, err) {
				return
			}
			continue
		}
		bo.Reset()

		h.setState(StateConnected, conn, name)
		m.log.Info().Str("transport", name).Str("endpoint", m.cfg.Endpoint).Msg("push channel connected")
		h.fireConnect()

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()
		err = h.readLoop(ctx, conn)
		close(stop)
		_ = conn.Close()
		h.setState(StateDisconnected, nil, "")

		if ctx.Err() != nil {
			m.log.Info().Msg("push channel closed")
			return
		}
		m.log.Warn().Err(err).Str("transport", name).Msg("push channel disconnected")
		if !m.waitRetry(ctx, bo, err) {
			return
		}
	}
}

func (m *Manager) waitRetry(ctx context.Context, bo backoff.BackOff, cause error) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		m.log.Error().Err(cause).Msg("push channel giving up reconnecting")
		return false
	}
	m.log.Debug().Err(cause).Dur("retry_in", d).Msg("push channel retry scheduled")
	return reliability.Wait(ctx, d) == nil
}

func (m *Manager) dial(ctx context.Context) (Conn, string, error) {
	var errs []error
	for _, name := range m.cfg.Transports {
		name = strings.ToLower(strings.TrimSpace(name))
		t, ok := m.transports[name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown transport %q", name))
			continue
		}
		conn, err := t.Dial(ctx, m.cfg.Endpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return conn, name, nil
	}
	return nil, "", &ChannelError{Op: "dial", Err: errors.Join(errs...)}
}
