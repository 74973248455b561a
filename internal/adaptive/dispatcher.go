package adaptive

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/pushconn"
)

// FrameSource delivers inbound push frames.
type FrameSource interface {
	OnFrame(fn pushconn.FrameHandler)
}

// Dispatcher routes participant-scoped updates into a Store. Updates for
// other participants and unrelated events are ignored; malformed updates are
// logged and dropped without touching the store.
type Dispatcher struct {
	participantID string
	minDifficulty int
	maxDifficulty int
	store         *Store
	log           zerolog.Logger

	// OnChange, when set, is called after every applied update.
	OnChange func(Params)
}

func NewDispatcher(participantID string, minDifficulty, maxDifficulty int, store *Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		participantID: strings.TrimSpace(participantID),
		minDifficulty: minDifficulty,
		maxDifficulty: maxDifficulty,
		store:         store,
		log:           log.With().Str("component", "adaptive").Str("participant_id", participantID).Logger(),
	}
}

// Attach registers the dispatcher on src.
func (d *Dispatcher) Attach(src FrameSource) {
	src.OnFrame(func(f protocol.Frame) {
		_ = d.HandleFrame(f)
	})
}

// HandleFrame applies f if it is an update for this participant.
func (d *Dispatcher) HandleFrame(f protocol.Frame) error {
	scoped, ok := protocol.ParseEventName(f.Event)
	if !ok || scoped.ParticipantID != d.participantID {
		return nil
	}
	switch scoped.Kind {
	case protocol.ScopeDifficulty:
		return d.OnDifficultyUpdate(f.Event, f.Data)
	case protocol.ScopeStress:
		return d.OnStressUpdate(f.Event, f.Data)
	default:
		return nil
	}
}

func (d *Dispatcher) OnDifficultyUpdate(event string, raw json.RawMessage) error {
	upd, err := protocol.ParseDifficultyUpdate(event, raw, d.minDifficulty, d.maxDifficulty)
	if err != nil {
		d.log.Warn().Err(err).Str("event", event).Msg("dropping malformed difficulty update")
		return err
	}
	d.notify(d.store.SetDifficulty(upd.Difficulty))
	d.log.Debug().Int("difficulty", upd.Difficulty).Msg("difficulty updated")
	return nil
}

func (d *Dispatcher) OnStressUpdate(event string, raw json.RawMessage) error {
	upd, err := protocol.ParseStressUpdate(event, raw)
	if err != nil {
		d.log.Warn().Err(err).Str("event", event).Msg("dropping malformed stress update")
		return err
	}
	d.notify(d.store.SetStress(upd.EMAHigh))
	d.log.Debug().Float64("ema_high", upd.EMAHigh).Msg("stress updated")
	return nil
}

func (d *Dispatcher) notify(p Params) {
	if d.OnChange != nil {
		d.OnChange(p)
	}
}
