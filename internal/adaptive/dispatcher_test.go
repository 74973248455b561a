package adaptive

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
)

func frame(event, data string) protocol.Frame {
	return protocol.Frame{Event: event, Data: json.RawMessage(data)}
}

func TestDispatcherAppliesOwnUpdates(t *testing.T) {
	store := NewStore(Params{DifficultyLevel: 2})
	d := NewDispatcher("P1", 1, 5, store, zerolog.Nop())

	var changes int
	d.OnChange = func(Params) { changes++ }

	if err := d.HandleFrame(frame("difficulty_update_P1", `{"difficulty":4}`)); err != nil {
		t.Fatalf("difficulty frame error = %v", err)
	}
	if err := d.HandleFrame(frame("stress_update_P1", `{"ema_high":0.65}`)); err != nil {
		t.Fatalf("stress frame error = %v", err)
	}

	got := store.Snapshot()
	if got.DifficultyLevel != 4 || got.StressEstimate != 0.65 {
		t.Fatalf("Snapshot() = %+v", got)
	}
	if changes != 2 {
		t.Fatalf("OnChange calls = %d, want 2", changes)
	}
}

func TestDispatcherIgnoresOtherParticipants(t *testing.T) {
	store := NewStore(Params{DifficultyLevel: 2, StressEstimate: 0.1})
	d := NewDispatcher("P1", 1, 5, store, zerolog.Nop())

	for _, f := range []protocol.Frame{
		frame("difficulty_update_P2", `{"difficulty":5}`),
		frame("stress_update_P10", `{"ema_high":0.9}`),
		frame("task_event", `{}`),
	} {
		if err := d.HandleFrame(f); err != nil {
			t.Fatalf("HandleFrame(%s) error = %v", f.Event, err)
		}
	}
	if got := store.Snapshot(); got.DifficultyLevel != 2 || got.StressEstimate != 0.1 {
		t.Fatalf("store changed to %+v", got)
	}
}

func TestDispatcherDropsMalformed(t *testing.T) {
	store := NewStore(Params{DifficultyLevel: 3, StressEstimate: 0.2})
	d := NewDispatcher("P1", 1, 5, store, zerolog.Nop())

	cases := []protocol.Frame{
		frame("difficulty_update_P1", `{"difficulty":9}`),
		frame("difficulty_update_P1", `{"difficulty":2.5}`),
		frame("difficulty_update_P1", `{}`),
		frame("stress_update_P1", `{"ema_high":1.5}`),
		frame("stress_update_P1", `not json`),
	}
	for _, f := range cases {
		if err := d.HandleFrame(f); !errors.Is(err, protocol.ErrMalformed) {
			t.Fatalf("HandleFrame(%s %s) error = %v, want ErrMalformed", f.Event, f.Data, err)
		}
	}
	if got := store.Snapshot(); got.DifficultyLevel != 3 || got.StressEstimate != 0.2 {
		t.Fatalf("malformed update changed store to %+v", got)
	}
}

func TestStoreLastWriteWins(t *testing.T) {
	store := NewStore(Params{})
	store.SetDifficulty(2)
	store.SetDifficulty(5)
	store.SetDifficulty(1)
	if got := store.Snapshot().DifficultyLevel; got != 1 {
		t.Fatalf("DifficultyLevel = %d, want 1", got)
	}
}
