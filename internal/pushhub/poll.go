package pushhub

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/stresslab/internal/protocol"
)

const (
	TransportPolling   = "polling"
	TransportWebSocket = "websocket"

	maxPollBatch = 64
)

// PollRegistry tracks long-polling peers by session id and expires the ones
// that stop polling.
type PollRegistry struct {
	hub  *Hub
	idle time.Duration
	now  func() time.Time

	mu    sync.Mutex
	peers map[string]*Peer
}

func NewPollRegistry(hub *Hub, idle time.Duration) *PollRegistry {
	if idle <= 0 {
		idle = 90 * time.Second
	}
	return &PollRegistry{
		hub:   hub,
		idle:  idle,
		now:   time.Now,
		peers: make(map[string]*Peer),
	}
}

func (r *PollRegistry) Open() *Peer {
	p := r.hub.Register(TransportPolling)
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()
	return p
}

// Get returns the polling peer and marks it as seen.
func (r *PollRegistry) Get(sid string) (*Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[sid]
	r.mu.Unlock()
	if ok {
		p.touch(r.now())
	}
	return p, ok
}

func (r *PollRegistry) Close(sid string) bool {
	r.mu.Lock()
	p, ok := r.peers[sid]
	delete(r.peers, sid)
	r.mu.Unlock()
	if ok {
		r.hub.Unregister(p)
	}
	return ok
}

// Poll waits up to wait for the first queued frame, then drains whatever
// else is already queued. An empty batch means the wait elapsed.
func (r *PollRegistry) Poll(ctx context.Context, p *Peer, wait time.Duration) []protocol.Frame {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch []protocol.Frame
	select {
	case f := <-p.out:
		batch = append(batch, f)
	case <-timer.C:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	for len(batch) < maxPollBatch {
		select {
		case f := <-p.out:
			batch = append(batch, f)
		default:
			p.touch(r.now())
			return batch
		}
	}
	p.touch(r.now())
	return batch
}

func (r *PollRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// StartJanitor closes polling peers idle for longer than the registry's
// idle timeout.
func (r *PollRegistry) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

func (r *PollRegistry) expireIdle() int {
	cutoff := r.now().Add(-r.idle)
	var stale []*Peer
	r.mu.Lock()
	for id, p := range r.peers {
		if p.idleSince().Before(cutoff) {
			stale = append(stale, p)
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		r.hub.Unregister(p)
		r.hub.log.Info().Str("peer", p.ID).Msg("polling peer expired")
	}
	return len(stale)
}
