package pushhub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
)

func newTestHub(buffer int) *Hub {
	return NewHub(buffer, nil, zerolog.Nop())
}

func frameBytes(t *testing.T, event string, data any) []byte {
	t.Helper()
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return raw
}

func drain(p *Peer) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case f := <-p.out:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestJoinIsIdempotentAndLeaveNoop(t *testing.T) {
	h := newTestHub(8)
	p := h.Register(TransportWebSocket)

	if !h.Join(p, "P1") {
		t.Fatalf("first Join() = false")
	}
	if h.Join(p, "P1") {
		t.Fatalf("second Join() = true, want idempotent")
	}
	if h.RoomSize("P1") != 1 {
		t.Fatalf("RoomSize = %d, want 1", h.RoomSize("P1"))
	}
	if h.Leave(p, "P2") {
		t.Fatalf("Leave(not joined) = true")
	}
	if !h.Leave(p, "P1") || h.Stats().Rooms != 0 {
		t.Fatalf("Leave(P1) did not remove the room: %+v", h.Stats())
	}
}

func TestPublishToParticipantRoomOnly(t *testing.T) {
	h := newTestHub(8)
	a := h.Register(TransportWebSocket)
	b := h.Register(TransportPolling)
	h.Join(a, "P1")
	h.Join(b, "P2")

	n, err := h.PublishToParticipant("P1", protocol.DifficultyEventName("P1"), protocol.DifficultyUpdate{Difficulty: 3})
	if err != nil || n != 1 {
		t.Fatalf("PublishToParticipant() = %d, %v", n, err)
	}
	got := drain(a)
	if len(got) != 1 || got[0].Event != "difficulty_update_P1" {
		t.Fatalf("peer a frames = %+v", got)
	}
	if other := drain(b); len(other) != 0 {
		t.Fatalf("peer b received %+v", other)
	}
}

func TestPublishTaskEventDedupesMonitors(t *testing.T) {
	h := newTestHub(8)
	both := h.Register(TransportWebSocket)
	mon := h.Register(TransportWebSocket)
	h.Join(both, "P1")
	h.JoinMonitor(both)
	h.JoinMonitor(mon)

	n, err := h.PublishTaskEvent(protocol.TaskEvent{ParticipantID: "P1", TrialIndex: 1})
	if err != nil || n != 2 {
		t.Fatalf("PublishTaskEvent() = %d, %v, want 2", n, err)
	}
	if got := drain(both); len(got) != 1 {
		t.Fatalf("room+monitor peer got %d frames, want 1", len(got))
	}
	if got := drain(mon); len(got) != 1 || got[0].Event != protocol.EventTaskEvent {
		t.Fatalf("monitor frames = %+v", got)
	}
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	h := newTestHub(1)
	p := h.Register(TransportWebSocket)
	h.Join(p, "P1")

	first, _ := h.PublishToParticipant("P1", "x", nil)
	second, _ := h.PublishToParticipant("P1", "x", nil)
	if first != 1 || second != 0 {
		t.Fatalf("deliveries = %d, %d, want 1, 0", first, second)
	}
}

func TestHandleClientFrame(t *testing.T) {
	h := newTestHub(8)
	p := h.Register(TransportWebSocket)

	if err := h.HandleClientFrame(p, frameBytes(t, protocol.EventJoinRoom, protocol.RoomRequest{ParticipantID: "P9"})); err != nil {
		t.Fatalf("join frame error = %v", err)
	}
	if h.RoomSize("P9") != 1 {
		t.Fatalf("peer not in room after join frame")
	}
	if err := h.HandleClientFrame(p, frameBytes(t, protocol.EventLeaveRoom, protocol.RoomRequest{ParticipantID: "P9"})); err != nil {
		t.Fatalf("leave frame error = %v", err)
	}
	if h.RoomSize("P9") != 0 {
		t.Fatalf("peer still in room after leave frame")
	}

	err := h.HandleClientFrame(p, frameBytes(t, "shout", nil))
	if !errors.Is(err, protocol.ErrUnsupportedEvent) {
		t.Fatalf("unsupported frame error = %v", err)
	}
	if err := h.HandleClientFrame(p, []byte("{")); err == nil {
		t.Fatalf("garbage frame error = nil")
	}
	got := drain(p)
	if len(got) != 2 || got[0].Event != protocol.EventError {
		t.Fatalf("error frames = %+v", got)
	}
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(got[0].Data, &ev); err != nil || ev.Code != "unsupported_event" {
		t.Fatalf("error event = %+v, %v", ev, err)
	}
}

func TestUnregisterClearsMembership(t *testing.T) {
	h := newTestHub(8)
	p := h.Register(TransportWebSocket)
	h.Join(p, "P1")
	h.JoinMonitor(p)

	h.Unregister(p)
	h.Unregister(p)
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done not closed")
	}
	if s := h.Stats(); s != (Stats{}) {
		t.Fatalf("Stats after unregister = %+v", s)
	}
	if h.Join(p, "P1") {
		t.Fatalf("Join after unregister = true")
	}
}

func TestPollReturnsBatch(t *testing.T) {
	h := newTestHub(8)
	reg := NewPollRegistry(h, time.Minute)
	p := reg.Open()
	h.Join(p, "P1")
	_, _ = h.PublishToParticipant("P1", "a", nil)
	_, _ = h.PublishToParticipant("P1", "b", nil)

	batch := reg.Poll(context.Background(), p, time.Second)
	if len(batch) != 2 || batch[0].Event != "a" || batch[1].Event != "b" {
		t.Fatalf("Poll() = %+v", batch)
	}
	if empty := reg.Poll(context.Background(), p, 10*time.Millisecond); len(empty) != 0 {
		t.Fatalf("Poll() on empty queue = %+v", empty)
	}
}

func TestPollWakesOnPublish(t *testing.T) {
	h := newTestHub(8)
	reg := NewPollRegistry(h, time.Minute)
	p := reg.Open()
	h.Join(p, "P1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = h.PublishToParticipant("P1", "late", nil)
	}()
	batch := reg.Poll(context.Background(), p, 2*time.Second)
	if len(batch) != 1 || batch[0].Event != "late" {
		t.Fatalf("Poll() = %+v", batch)
	}
}

func TestPollRegistryExpiresIdlePeers(t *testing.T) {
	h := newTestHub(8)
	reg := NewPollRegistry(h, time.Minute)
	p := reg.Open()
	h.Join(p, "P1")

	if n := reg.expireIdle(); n != 0 {
		t.Fatalf("expireIdle() = %d on fresh peer", n)
	}
	reg.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := reg.expireIdle(); n != 1 {
		t.Fatalf("expireIdle() = %d, want 1", n)
	}
	if _, ok := reg.Get(p.ID); ok || h.RoomSize("P1") != 0 {
		t.Fatalf("expired peer still registered")
	}
}

func TestPollRegistryClose(t *testing.T) {
	h := newTestHub(8)
	reg := NewPollRegistry(h, time.Minute)
	p := reg.Open()
	if !reg.Close(p.ID) || reg.Close(p.ID) {
		t.Fatalf("Close() should succeed exactly once")
	}
	if reg.Len() != 0 || h.Stats().Peers != 0 {
		t.Fatalf("peer not removed")
	}
}
