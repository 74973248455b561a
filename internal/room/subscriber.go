// Package room manages membership of participant-scoped rooms on the push
// channel.
package room

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
)

var ErrEmptyParticipant = errors.New("participant id required")

// Channel is the part of the push connection the subscriber needs.
type Channel interface {
	Emit(ctx context.Context, event string, data any) error
	OnConnect(fn func()) (cancel func())
}

// Subscriber joins and leaves participant rooms and re-joins active rooms
// after the channel reconnects. Leaves are not reference counted: every
// unsubscribe emits its own leave, and a room stays in the rejoin set while
// any subscription to it is still open.
type Subscriber struct {
	ch  Channel
	log zerolog.Logger

	mu     sync.Mutex
	active map[string]int
	cancel func()
}

func NewSubscriber(ch Channel, log zerolog.Logger) *Subscriber {
	s := &Subscriber{
		ch:     ch,
		log:    log.With().Str("component", "room").Logger(),
		active: make(map[string]int),
	}
	s.cancel = ch.OnConnect(s.rejoin)
	return s
}

// Subscribe joins the room for participantID and returns the matching
// unsubscribe. The unsubscribe always leaves the room it was created for and
// is a no-op after the first call.
//
// A failed join is returned but the subscription stays active, so the room is
// joined once the channel (re)connects.
func (s *Subscriber) Subscribe(ctx context.Context, participantID string) (func(), error) {
	pid := strings.TrimSpace(participantID)
	if pid == "" {
		return func() {}, ErrEmptyParticipant
	}

	s.mu.Lock()
	s.active[pid]++
	s.mu.Unlock()

	err := s.ch.Emit(ctx, protocol.EventJoinRoom, protocol.RoomRequest{ParticipantID: pid})
	if err != nil {
		s.log.Warn().Err(err).Str("participant_id", pid).Msg("room join deferred until reconnect")
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { s.leave(pid) })
	}
	return unsubscribe, err
}

// Active lists the participant rooms currently held.
func (s *Subscriber) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for pid := range s.active {
		out = append(out, pid)
	}
	return out
}

// Close stops re-joining on reconnect. Active rooms are not left.
func (s *Subscriber) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscriber) leave(pid string) {
	s.mu.Lock()
	s.active[pid]--
	if s.active[pid] <= 0 {
		delete(s.active, pid)
	}
	s.mu.Unlock()

	if err := s.ch.Emit(context.Background(), protocol.EventLeaveRoom, protocol.RoomRequest{ParticipantID: pid}); err != nil {
		s.log.Debug().Err(err).Str("participant_id", pid).Msg("room leave not delivered")
	}
}

func (s *Subscriber) rejoin() {
	pids := s.Active()
	for _, pid := range pids {
		if err := s.ch.Emit(context.Background(), protocol.EventJoinRoom, protocol.RoomRequest{ParticipantID: pid}); err != nil {
			s.log.Warn().Err(err).Str("participant_id", pid).Msg("room rejoin failed")
			continue
		}
		s.log.Debug().Str("participant_id", pid).Msg("room rejoined")
	}
}
