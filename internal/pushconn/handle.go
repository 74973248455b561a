package pushconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
)

// State is the observable connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Handler receives the payload of one named event.
type Handler func(data json.RawMessage)

// FrameHandler receives every inbound frame.
type FrameHandler func(f protocol.Frame)

// Handle is the shared push connection. All methods are safe for concurrent
// use. Inbound frames are delivered in arrival order on a single goroutine.
type Handle struct {
	log zerolog.Logger

	mu        sync.RWMutex
	state     State
	conn      Conn
	transport string
	changed   chan struct{}

	writeMu sync.Mutex

	hooksMu  sync.RWMutex
	nextID   uint64
	named    map[string]map[uint64]Handler
	frames   map[uint64]FrameHandler
	connects map[uint64]func()
}

func newHandle(log zerolog.Logger) *Handle {
	return &Handle{
		log:      log,
		state:    StateDisconnected,
		changed:  make(chan struct{}),
		named:    make(map[string]map[uint64]Handler),
		frames:   make(map[uint64]FrameHandler),
		connects: make(map[uint64]func()),
	}
}

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Transport names the transport in use, or "" when not connected.
func (h *Handle) Transport() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transport
}

// WaitState blocks until the handle reaches want or ctx ends.
func (h *Handle) WaitState(ctx context.Context, want State) error {
	for {
		h.mu.RLock()
		state, changed := h.state, h.changed
		h.mu.RUnlock()
		if state == want {
			return nil
		}
		if state == StateClosed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Emit sends one event. It fails with a *ChannelError wrapping
// ErrNotConnected when there is no live connection.
func (h *Handle) Emit(ctx context.Context, event string, data any) error {
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		return &ChannelError{Op: "emit", Event: event, Err: err}
	}

	h.mu.RLock()
	conn, state := h.conn, h.state
	h.mu.RUnlock()
	if conn == nil {
		if state == StateClosed {
			return &ChannelError{Op: "emit", Event: event, Err: ErrClosed}
		}
		return &ChannelError{Op: "emit", Event: event, Err: ErrNotConnected}
	}

	h.writeMu.Lock()
	err = conn.Write(ctx, f)
	h.writeMu.Unlock()
	if err != nil {
		return &ChannelError{Op: "emit", Event: event, Err: err}
	}
	return nil
}

// Listener returns a fresh registration scope for one consumer.
func (h *Handle) Listener() *Listener {
	return &Listener{h: h}
}

func (h *Handle) setState(state State, conn Conn, transport string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return
	}
	h.state = state
	h.conn = conn
	h.transport = transport
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Handle) readLoop(ctx context.Context, conn Conn) error {
	for {
		f, err := conn.Read(ctx)
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			h.log.Warn().Err(err).Msg("dropped malformed push frame")
			continue
		}
		if err != nil {
			return err
		}
		h.dispatch(f)
	}
}

func (h *Handle) dispatch(f protocol.Frame) {
	h.hooksMu.RLock()
	taps := make([]FrameHandler, 0, len(h.frames))
	for _, fn := range h.frames {
		taps = append(taps, fn)
	}
	handlers := make([]Handler, 0, len(h.named[f.Event]))
	for _, fn := range h.named[f.Event] {
		handlers = append(handlers, fn)
	}
	h.hooksMu.RUnlock()

	if len(taps) == 0 && len(handlers) == 0 {
		h.log.Debug().Str("event", f.Event).Msg("push frame without handler")
		return
	}
	for _, fn := range taps {
		fn(f)
	}
	for _, fn := range handlers {
		fn(f.Data)
	}
}

func (h *Handle) fireConnect() {
	h.hooksMu.RLock()
	hooks := make([]func(), 0, len(h.connects))
	for _, fn := range h.connects {
		hooks = append(hooks, fn)
	}
	h.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (h *Handle) register(fn func(id uint64)) uint64 {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.nextID++
	fn(h.nextID)
	return h.nextID
}

func (h *Handle) unregister(r registration) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	switch r.kind {
	case regNamed:
		if m := h.named[r.event]; m != nil {
			delete(m, r.id)
			if len(m) == 0 {
				delete(h.named, r.event)
			}
		}
	case regFrame:
		delete(h.frames, r.id)
	case regConnect:
		delete(h.connects, r.id)
	}
}

type regKind int

const (
	regNamed regKind = iota
	regFrame
	regConnect
)

type registration struct {
	kind  regKind
	event string
	id    uint64
}

// Listener scopes handler registrations to one consumer. Close removes
// exactly the handlers registered through this listener.
type Listener struct {
	h *Handle

	mu     sync.Mutex
	regs   []registration
	closed bool
}

// On registers fn for the named event.
func (l *Listener) On(event string, fn Handler) {
	l.add(func(id uint64) registration {
		m := l.h.named[event]
		if m == nil {
			m = make(map[uint64]Handler)
			l.h.named[event] = m
		}
		m[id] = fn
		return registration{kind: regNamed, event: event, id: id}
	})
}

// OnFrame registers fn for every inbound frame.
func (l *Listener) OnFrame(fn FrameHandler) {
	l.add(func(id uint64) registration {
		l.h.frames[id] = fn
		return registration{kind: regFrame, id: id}
	})
}

// OnConnect registers fn to run after each successful (re)connect, before
// inbound frames of that connection are dispatched. The returned func
// removes just this hook.
func (l *Listener) OnConnect(fn func()) (cancel func()) {
	r, ok := l.add(func(id uint64) registration {
		l.h.connects[id] = fn
		return registration{kind: regConnect, id: id}
	})
	if !ok {
		return func() {}
	}
	return func() { l.remove(r) }
}

// Emit forwards to the shared handle.
func (l *Listener) Emit(ctx context.Context, event string, data any) error {
	return l.h.Emit(ctx, event, data)
}

// Close unregisters everything this listener added. It is idempotent and
// leaves the connection itself alone.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	regs := l.regs
	l.regs = nil
	l.mu.Unlock()

	for _, r := range regs {
		l.h.unregister(r)
	}
}

func (l *Listener) add(install func(id uint64) registration) (registration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return registration{}, false
	}
	var r registration
	l.h.register(func(id uint64) { r = install(id) })
	l.regs = append(l.regs, r)
	return r, true
}

func (l *Listener) remove(r registration) {
	l.mu.Lock()
	for i, cur := range l.regs {
		if cur == r {
			l.regs = append(l.regs[:i], l.regs[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.h.unregister(r)
}
