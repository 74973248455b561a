// Package pushhub fans server events out to connected push peers. A peer is
// one client connection, over websocket or long-polling; peers join
// participant rooms and the monitor room by sending frames.
package pushhub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/observability"
	"github.com/antoniostano/stresslab/internal/protocol"
)

const defaultBuffer = 256

// Peer is one connected client.
type Peer struct {
	ID        string
	Transport string

	out       chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64

	// guarded by Hub.mu
	rooms   map[string]struct{}
	monitor bool
}

// Outbound yields frames queued for the peer.
func (p *Peer) Outbound() <-chan protocol.Frame { return p.out }

// Done is closed when the peer is unregistered.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) touch(now time.Time) { p.lastSeen.Store(now.UnixNano()) }

func (p *Peer) idleSince() time.Time { return time.Unix(0, p.lastSeen.Load()) }

// Stats is a point-in-time view of the hub.
type Stats struct {
	Peers    int `json:"peers"`
	Rooms    int `json:"rooms"`
	Monitors int `json:"monitors"`
}

type Hub struct {
	mu       sync.RWMutex
	buffer   int
	peers    map[string]*Peer
	rooms    map[string]map[string]*Peer
	monitors map[string]*Peer

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHub(buffer int, metrics *observability.Metrics, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer:   buffer,
		peers:    make(map[string]*Peer),
		rooms:    make(map[string]map[string]*Peer),
		monitors: make(map[string]*Peer),
		metrics:  metrics,
		log:      log.With().Str("component", "pushhub").Logger(),
	}
}

// Register adds a peer for the named transport.
func (h *Hub) Register(transport string) *Peer {
	p := &Peer{
		ID:        uuid.NewString(),
		Transport: transport,
		out:       make(chan protocol.Frame, h.buffer),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
	p.touch(time.Now())

	h.mu.Lock()
	h.peers[p.ID] = p
	h.mu.Unlock()

	h.metrics.PeerConnected(transport)
	h.log.Debug().Str("peer", p.ID).Str("transport", transport).Msg("peer registered")
	return p
}

// Unregister removes the peer from every room and closes Done. It is safe to
// call more than once.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	_, known := h.peers[p.ID]
	if known {
		delete(h.peers, p.ID)
		for pid := range p.rooms {
			h.removeFromRoomLocked(pid, p)
		}
		p.rooms = make(map[string]struct{})
		delete(h.monitors, p.ID)
		p.monitor = false
	}
	h.mu.Unlock()

	p.closeOnce.Do(func() { close(p.done) })
	if known {
		h.metrics.PeerDisconnected(p.Transport)
		h.log.Debug().Str("peer", p.ID).Msg("peer unregistered")
	}
}

// Join adds the peer to a participant room. It reports whether the peer was
// not already a member.
func (h *Hub) Join(p *Peer, participantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.ID]; !ok {
		return false
	}
	if _, ok := p.rooms[participantID]; ok {
		return false
	}
	room, ok := h.rooms[participantID]
	if !ok {
		room = make(map[string]*Peer)
		h.rooms[participantID] = room
	}
	room[p.ID] = p
	p.rooms[participantID] = struct{}{}
	h.log.Info().Str("peer", p.ID).Str("participant_id", participantID).Msg("joined participant room")
	return true
}

// Leave removes the peer from a participant room. Leaving a room the peer is
// not in is a no-op.
func (h *Hub) Leave(p *Peer, participantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := p.rooms[participantID]; !ok {
		return false
	}
	delete(p.rooms, participantID)
	h.removeFromRoomLocked(participantID, p)
	h.log.Info().Str("peer", p.ID).Str("participant_id", participantID).Msg("left participant room")
	return true
}

func (h *Hub) removeFromRoomLocked(participantID string, p *Peer) {
	room := h.rooms[participantID]
	delete(room, p.ID)
	if len(room) == 0 {
		delete(h.rooms, participantID)
	}
}

func (h *Hub) JoinMonitor(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.ID]; !ok || p.monitor {
		return
	}
	p.monitor = true
	h.monitors[p.ID] = p
}

// HandleClientFrame applies one frame received from a peer. Invalid frames
// are answered with an error_event and reported to the caller.
func (h *Hub) HandleClientFrame(p *Peer, raw []byte) error {
	p.touch(time.Now())
	f, req, err := protocol.ParseClientFrame(raw)
	if err != nil {
		h.metrics.ObservePush("inbound", "invalid", "rejected")
		code := "invalid_client_message"
		if errors.Is(err, protocol.ErrUnsupportedEvent) {
			code = "unsupported_event"
		}
		if frame, ferr := protocol.NewFrame(protocol.EventError, protocol.ErrorEvent{Code: code, Detail: err.Error()}); ferr == nil {
			h.send(p, frame)
		}
		return err
	}
	h.metrics.ObservePush("inbound", f.Event, "accepted")

	switch f.Event {
	case protocol.EventJoinRoom:
		h.Join(p, req.ParticipantID)
	case protocol.EventLeaveRoom:
		h.Leave(p, req.ParticipantID)
	case protocol.EventJoinMonitor:
		h.JoinMonitor(p)
	}
	return nil
}

// PublishToParticipant sends an event to every peer in the participant's
// room and returns how many peers it was queued for.
func (h *Hub) PublishToParticipant(participantID, event string, data any) (int, error) {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.rooms[participantID]))
	for _, p := range h.rooms[participantID] {
		targets = append(targets, p)
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame), nil
}

// PublishTaskEvent sends a task_event to the participant's room and to every
// monitor. A peer that is both receives it once.
func (h *Hub) PublishTaskEvent(ev protocol.TaskEvent) (int, error) {
	frame, err := protocol.NewFrame(protocol.EventTaskEvent, ev)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	seen := make(map[string]struct{})
	targets := make([]*Peer, 0, len(h.rooms[ev.ParticipantID])+len(h.monitors))
	for id, p := range h.rooms[ev.ParticipantID] {
		seen[id] = struct{}{}
		targets = append(targets, p)
	}
	for id, p := range h.monitors {
		if _, dup := seen[id]; !dup {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame), nil
}

// PublishMonitor sends an event to monitors only.
func (h *Hub) PublishMonitor(event string, data any) (int, error) {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.monitors))
	for _, p := range h.monitors {
		targets = append(targets, p)
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame), nil
}

func (h *Hub) deliver(targets []*Peer, frame protocol.Frame) int {
	n := 0
	for _, p := range targets {
		if h.send(p, frame) {
			n++
		}
	}
	return n
}

// send never blocks; a full peer queue drops the frame.
func (h *Hub) send(p *Peer, frame protocol.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		h.metrics.ObservePush("outbound", frame.Event, "queued")
		return true
	default:
		h.metrics.ObservePush("outbound", frame.Event, "drop_full")
		h.log.Warn().Str("peer", p.ID).Str("event", frame.Event).Msg("peer queue full, dropping frame")
		return false
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Peers: len(h.peers), Rooms: len(h.rooms), Monitors: len(h.monitors)}
}

// RoomSize returns the number of peers in a participant room.
func (h *Hub) RoomSize(participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[participantID])
}
