package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
)

type recordingChannel struct {
	mu       sync.Mutex
	emitted  []string
	fail     bool
	connects []func()
}

func (c *recordingChannel) Emit(_ context.Context, event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("not connected")
	}
	req := data.(protocol.RoomRequest)
	c.emitted = append(c.emitted, fmt.Sprintf("%s:%s", event, req.ParticipantID))
	return nil
}

func (c *recordingChannel) OnConnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, fn)
	return func() {}
}

func (c *recordingChannel) reconnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.connects...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *recordingChannel) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.emitted...)
}

func (c *recordingChannel) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestUnsubscribeLeavesOwnRoomOnce(t *testing.T) {
	ch := &recordingChannel{}
	s := NewSubscriber(ch, zerolog.Nop())

	unsub1, err := s.Subscribe(context.Background(), "P1")
	if err != nil {
		t.Fatalf("Subscribe(P1) error = %v", err)
	}
	unsub2, err := s.Subscribe(context.Background(), "P2")
	if err != nil {
		t.Fatalf("Subscribe(P2) error = %v", err)
	}

	unsub1()
	unsub1()
	unsub2()

	want := []string{
		"join_participant_room:P1",
		"join_participant_room:P2",
		"leave_participant_room:P1",
		"leave_participant_room:P2",
	}
	if got := ch.log(); !equal(got, want) {
		t.Fatalf("emitted = %v, want %v", got, want)
	}
}

func TestFailedJoinRetriedOnReconnect(t *testing.T) {
	ch := &recordingChannel{fail: true}
	s := NewSubscriber(ch, zerolog.Nop())

	unsub, err := s.Subscribe(context.Background(), "P7")
	if err == nil {
		t.Fatalf("Subscribe() error = nil, want join failure")
	}
	if len(s.Active()) != 1 {
		t.Fatalf("Active() = %v, want the failed subscription kept", s.Active())
	}

	ch.setFail(false)
	ch.reconnect()
	if got := ch.log(); !equal(got, []string{"join_participant_room:P7"}) {
		t.Fatalf("emitted after reconnect = %v", got)
	}

	unsub()
	ch.reconnect()
	if got := ch.log(); len(got) != 2 || got[1] != "leave_participant_room:P7" {
		t.Fatalf("emitted = %v, want a single leave and no rejoin", got)
	}
}

func TestIndependentPairsEachLeave(t *testing.T) {
	ch := &recordingChannel{}
	s := NewSubscriber(ch, zerolog.Nop())

	a, _ := s.Subscribe(context.Background(), "P1")
	b, _ := s.Subscribe(context.Background(), "P1")
	a()
	want := []string{
		"join_participant_room:P1",
		"join_participant_room:P1",
		"leave_participant_room:P1",
	}
	if got := ch.log(); !equal(got, want) {
		t.Fatalf("emitted = %v, want %v", got, want)
	}

	// The remaining subscription still rejoins after a reconnect.
	ch.reconnect()
	if got := ch.log(); got[len(got)-1] != "join_participant_room:P1" {
		t.Fatalf("emitted = %v, want rejoin for open subscription", got)
	}

	b()
	b()
	if got := ch.log(); len(got) != 5 || got[4] != "leave_participant_room:P1" {
		t.Fatalf("emitted = %v, want one more leave", got)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("Active() = %v, want empty", s.Active())
	}
}

func TestSubscribeRejectsEmptyParticipant(t *testing.T) {
	s := NewSubscriber(&recordingChannel{}, zerolog.Nop())
	if _, err := s.Subscribe(context.Background(), "  "); !errors.Is(err, ErrEmptyParticipant) {
		t.Fatalf("Subscribe(\"\") error = %v", err)
	}
}

func TestInterestSwitchLeavesBeforeJoin(t *testing.T) {
	ch := &recordingChannel{}
	in := NewInterest(NewSubscriber(ch, zerolog.Nop()))

	if err := in.Set(context.Background(), "P1"); err != nil {
		t.Fatalf("Set(P1) error = %v", err)
	}
	if err := in.Set(context.Background(), "P1"); err != nil {
		t.Fatalf("Set(P1) again error = %v", err)
	}
	if err := in.Set(context.Background(), "P2"); err != nil {
		t.Fatalf("Set(P2) error = %v", err)
	}
	in.Clear()

	want := []string{
		"join_participant_room:P1",
		"leave_participant_room:P1",
		"join_participant_room:P2",
		"leave_participant_room:P2",
	}
	if got := ch.log(); !equal(got, want) {
		t.Fatalf("emitted = %v, want %v", got, want)
	}
	if in.Current() != "" {
		t.Fatalf("Current() = %q after Clear", in.Current())
	}
}
