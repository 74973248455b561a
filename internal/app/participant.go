package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/adaptive"
	"github.com/antoniostano/stresslab/internal/config"
	"github.com/antoniostano/stresslab/internal/engine"
	"github.com/antoniostano/stresslab/internal/pushconn"
	"github.com/antoniostano/stresslab/internal/reliability"
	"github.com/antoniostano/stresslab/internal/room"
	"github.com/antoniostano/stresslab/internal/sink"
)

// Participant is the client side of one participant: the shared push
// connection, their room subscription, the adaptive parameters fed from it
// and the session controller that records trials.
type Participant struct {
	ID    string
	Token string

	Sink       *sink.Client
	Push       *pushconn.Manager
	Handle     *pushconn.Handle
	Listener   *pushconn.Listener
	Subscriber *room.Subscriber
	Interest   *room.Interest
	Params     *adaptive.Store
	Dispatcher *adaptive.Dispatcher
	Controller *engine.Controller

	log zerolog.Logger
}

// ParticipantOptions identify the participant. An empty Token is obtained
// from the sink, registering the participant first.
type ParticipantOptions struct {
	ParticipantID string
	Token         string
	// Transports overrides cfg.PushTransports, mainly for tests.
	Transports []pushconn.Transport
}

// BuildParticipant wires the client engine. The returned participant is
// already following its own room; Close tears everything down without
// finishing an open session.
func BuildParticipant(ctx context.Context, cfg config.Config, opts ParticipantOptions, log zerolog.Logger) (*Participant, error) {
	client := sink.NewClient(cfg.SinkBaseURL, cfg.SinkTimeout, log)

	pid := strings.TrimSpace(opts.ParticipantID)
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		reg, err := client.Register(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("register participant: %w", err)
		}
		pid = reg.ParticipantID
		sess, err := client.OpenSession(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("open participant session: %w", err)
		}
		token = sess.Data.Token
	}
	if pid == "" {
		return nil, errors.New("participant id required when a token is given")
	}
	log = log.With().Str("participant_id", pid).Logger()

	policy := reliability.Policy{
		Initial:    cfg.PushReconnectInitial,
		Max:        cfg.PushReconnectMax,
		MaxElapsed: cfg.PushReconnectMaxElapsed,
	}
	transports := append([]pushconn.Transport{pushconn.NewPollingTransport(cfg.PushPollWait)}, opts.Transports...)
	push := pushconn.NewManager(pushconn.Config{
		Endpoint:   cfg.PushURL,
		Transports: cfg.PushTransports,
		Backoff:    policy,
	}, log, transports...)
	handle := push.Acquire()
	listener := handle.Listener()

	params := adaptive.NewStore(adaptive.Params{
		DifficultyLevel: cfg.DefaultDifficulty,
		StressEstimate:  cfg.DefaultStress,
	})
	dispatcher := adaptive.NewDispatcher(pid, cfg.DifficultyMin, cfg.DifficultyMax, params, log)
	dispatcher.Attach(listener)

	subscriber := room.NewSubscriber(listener, log)
	interest := room.NewInterest(subscriber)
	if err := interest.Set(ctx, pid); err != nil && !errors.Is(err, pushconn.ErrNotConnected) {
		log.Warn().Err(err).Msg("initial room join failed")
	}

	ctrl := engine.NewController(client, params, engine.Config{
		Token:         token,
		StartAttempts: cfg.SessionStartAttempts,
		StartBackoff:  policy,
	}, log)

	return &Participant{
		ID:         pid,
		Token:      token,
		Sink:       client,
		Push:       push,
		Handle:     handle,
		Listener:   listener,
		Subscriber: subscriber,
		Interest:   interest,
		Params:     params,
		Dispatcher: dispatcher,
		Controller: ctrl,
		log:        log,
	}, nil
}

// Close abandons any open session, leaves the room and drops the push
// connection.
func (p *Participant) Close() error {
	p.Controller.Abandon()
	p.Interest.Clear()
	p.Subscriber.Close()
	p.Listener.Close()
	return p.Push.Close()
}
