package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/adaptive"
	"github.com/antoniostano/stresslab/internal/reliability"
	"github.com/antoniostano/stresslab/internal/sink"
)

// Sink records sessions and trials.
type Sink interface {
	StartSession(ctx context.Context, token string, req sink.StartRequest) (string, error)
	EmitTrialEvent(ctx context.Context, token string, ev sink.TrialEvent) error
	FinishSession(ctx context.Context, token string, req sink.FinishRequest) error
}

// ParamsSource supplies the adaptive parameters sampled at each trial start.
type ParamsSource interface {
	Snapshot() adaptive.Params
}

// Config tunes a Controller.
type Config struct {
	Token         string
	StartAttempts int
	StartBackoff  reliability.Policy
	// Rand seeds stimulus generation; nil uses a random seed.
	Rand *rand.Rand
	Now  func() time.Time
}

// TaskConfig describes one session. Trials of zero runs until Finish.
type TaskConfig struct {
	Trials   int
	Settings map[string]any
}

// TrialResult is returned once a trial has been handed to the sink.
type TrialResult struct {
	Event    sink.TrialEvent
	Next     *Stimulus
	Finished bool
}

// Controller drives one participant's task sessions. All methods are safe
// for concurrent use; sink calls never run under the controller lock.
type Controller struct {
	sink   Sink
	params ParamsSource
	cfg    Config
	log    zerolog.Logger

	mu         sync.Mutex
	epoch      uint64
	state      State
	task       sink.Task
	taskCfg    TaskConfig
	sessionID  string
	trialIndex int
	counted    int
	gen        Generator
	current    *Stimulus
	pending    *sink.TrialEvent
	inFlight   bool
}

func NewController(s Sink, params ParamsSource, cfg Config, log zerolog.Logger) *Controller {
	if cfg.StartAttempts < 1 {
		cfg.StartAttempts = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		sink:   s,
		params: params,
		cfg:    cfg,
		log:    log.With().Str("component", "engine").Logger(),
		state:  StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// TrialIndex is the index of the last trial the sink accepted.
func (c *Controller) TrialIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trialIndex
}

// Current returns the stimulus on screen, if any.
func (c *Controller) Current() (Stimulus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Stimulus{}, false
	}
	return *c.current, true
}

// Start opens a session with the sink and presents the first stimulus,
// available through Current. Any unfinished session is superseded without
// being finished.
func (c *Controller) Start(ctx context.Context, task sink.Task, tc TaskConfig) (string, error) {
	gen, err := NewGenerator(task, c.cfg.Rand)
	if err != nil {
		return "", &sink.SessionStartError{Task: task, Err: err}
	}

	c.mu.Lock()
	if c.state == StateStarting {
		c.mu.Unlock()
		return "", &sink.SessionStartError{Task: task, Err: ErrBusy}
	}
	if c.sessionID != "" && !c.state.Terminal() {
		c.log.Info().Str("session_id", c.sessionID).Str("task", string(c.task)).Msg("superseding unfinished session")
	}
	c.epoch++
	epoch := c.epoch
	c.resetLocked()
	c.state = StateStarting
	c.task = task
	c.taskCfg = tc
	c.mu.Unlock()

	req := sink.StartRequest{Task: task, Config: startConfig(tc)}
	sessionID, attempts, err := c.startWithRetry(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return "", &sink.SessionStartError{Task: task, Attempts: attempts, Err: ErrSuperseded}
	}
	if err != nil {
		c.state = StateAborted
		c.log.Error().Err(err).Str("task", string(task)).Int("attempts", attempts).Msg("session start failed")
		return "", &sink.SessionStartError{Task: task, Attempts: attempts, Err: err}
	}

	c.sessionID = sessionID
	c.trialIndex = 0
	c.gen = gen
	c.log.Info().Str("session_id", sessionID).Str("task", string(task)).Int("trials", tc.Trials).Msg("session started")
	c.enterTrialLocked()
	return sessionID, nil
}

// Respond scores response against the stimulus on screen and records it.
func (c *Controller) Respond(ctx context.Context, response string) (TrialResult, error) {
	return c.record(ctx, "respond", response, nil, sink.OutcomeScored)
}

// RespondTimed is Respond with an externally measured reaction time.
func (c *Controller) RespondTimed(ctx context.Context, response string, rt time.Duration) (TrialResult, error) {
	return c.record(ctx, "respond", response, &rt, sink.OutcomeScored)
}

// Timeout records the stimulus on screen as unanswered, which scores as
// incorrect.
func (c *Controller) Timeout(ctx context.Context) (TrialResult, error) {
	return c.record(ctx, "timeout", "", nil, sink.OutcomeTimeout)
}

// RecordEarly records a premature reaction press. It consumes a trial index
// but carries no correctness and does not count toward the trial target.
func (c *Controller) RecordEarly(ctx context.Context, rt time.Duration) (TrialResult, error) {
	return c.record(ctx, "early", ResponseEarly, &rt, sink.OutcomeEarly)
}

func (c *Controller) record(ctx context.Context, op, response string, rt *time.Duration, outcome sink.Outcome) (TrialResult, error) {
	c.mu.Lock()
	if c.state != StateAwaitingResponse || c.current == nil {
		state := c.state
		c.mu.Unlock()
		return TrialResult{}, &StateError{Op: op, State: state}
	}

	stim := *c.current
	c.state = StateEvaluating
	elapsed := c.cfg.Now().Sub(stim.ShownAt)
	if rt != nil {
		elapsed = *rt
	}
	ev := sink.TrialEvent{
		SessionID:      c.sessionID,
		TrialIndex:     c.trialIndex + 1,
		Task:           stim.Task,
		Stimulus:       stim.Display,
		Response:       response,
		ReactionTimeMS: elapsed.Milliseconds(),
		Difficulty:     stim.Params.DifficultyLevel,
		Stress:         stim.Params.StressEstimate,
		Outcome:        outcome,
	}
	switch outcome {
	case sink.OutcomeScored:
		correct := strings.EqualFold(strings.TrimSpace(response), stim.Expected)
		ev.Correct = &correct
	case sink.OutcomeTimeout:
		correct := false
		ev.Correct = &correct
	}

	c.state = StateAdvancing
	c.current = nil
	c.pending = &ev
	c.inFlight = true
	epoch := c.epoch
	c.mu.Unlock()

	return c.emit(ctx, epoch, ev)
}

// Retry re-sends the pending trial after a failed emission.
func (c *Controller) Retry(ctx context.Context) (TrialResult, error) {
	c.mu.Lock()
	if c.state != StateAdvancing || c.pending == nil {
		state := c.state
		c.mu.Unlock()
		return TrialResult{}, &StateError{Op: "retry", State: state}
	}
	if c.inFlight {
		c.mu.Unlock()
		return TrialResult{}, ErrBusy
	}
	ev := *c.pending
	c.inFlight = true
	epoch := c.epoch
	c.mu.Unlock()

	return c.emit(ctx, epoch, ev)
}

// Skip abandons the pending trial without recording it and shows the next
// stimulus. The trial index is not advanced.
func (c *Controller) Skip() (Stimulus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAdvancing || c.pending == nil {
		return Stimulus{}, &StateError{Op: "skip", State: c.state}
	}
	if c.inFlight {
		return Stimulus{}, ErrBusy
	}
	c.log.Warn().Int("trial_index", c.pending.TrialIndex).Str("session_id", c.sessionID).Msg("trial abandoned")
	c.pending = nil
	return c.enterTrialLocked(), nil
}

func (c *Controller) emit(ctx context.Context, epoch uint64, ev sink.TrialEvent) (TrialResult, error) {
	err := c.sink.EmitTrialEvent(ctx, c.cfg.Token, ev)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if err != nil {
			return TrialResult{Event: ev}, &sink.TrialEmitError{SessionID: ev.SessionID, TrialIndex: ev.TrialIndex, Err: err}
		}
		return TrialResult{Event: ev}, nil
	}
	c.inFlight = false

	if err != nil {
		emitErr := &sink.TrialEmitError{SessionID: ev.SessionID, TrialIndex: ev.TrialIndex, Err: err}
		if errors.Is(err, sink.ErrUnauthorized) {
			if !c.state.Terminal() {
				c.state = StateAborted
			}
			c.pending = nil
			c.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("session aborted: token rejected")
		} else {
			c.log.Warn().Err(err).Int("trial_index", ev.TrialIndex).Str("session_id", ev.SessionID).Msg("trial emission failed")
		}
		c.mu.Unlock()
		return TrialResult{Event: ev}, emitErr
	}

	// A late success after Finish still counts as recorded.
	c.trialIndex = ev.TrialIndex
	c.pending = nil
	if ev.Outcome != sink.OutcomeEarly {
		c.counted++
	}
	if c.state != StateAdvancing {
		finished := c.state == StateFinished || c.state == StateFinishing
		c.mu.Unlock()
		return TrialResult{Event: ev, Finished: finished}, nil
	}
	if c.taskCfg.Trials > 0 && c.counted >= c.taskCfg.Trials {
		c.mu.Unlock()
		ferr := c.Finish(ctx)
		return TrialResult{Event: ev, Finished: true}, ferr
	}
	next := c.enterTrialLocked()
	c.mu.Unlock()
	return TrialResult{Event: ev, Next: &next}, nil
}

// Finish notifies the sink with the last accepted trial index. It is valid
// from any state holding a session; repeated calls are no-ops. A sink
// failure is returned as *sink.FinishError but the session still ends.
func (c *Controller) Finish(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateFinishing, StateFinished, StateAborted:
		c.mu.Unlock()
		return nil
	case StateIdle, StateStarting:
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "finish", State: state}
	}
	c.state = StateFinishing
	c.current = nil
	c.pending = nil
	epoch := c.epoch
	req := sink.FinishRequest{SessionID: c.sessionID, FinalTrialIndex: c.trialIndex}
	c.mu.Unlock()

	err := c.sink.FinishSession(ctx, c.cfg.Token, req)

	c.mu.Lock()
	if epoch == c.epoch && c.state == StateFinishing {
		c.state = StateFinished
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("finish notification failed")
		return &sink.FinishError{SessionID: req.SessionID, Err: err}
	}
	c.log.Info().Str("session_id", req.SessionID).Int("final_trial_index", req.FinalTrialIndex).Msg("session finished")
	return nil
}

// Abandon drops the session without notifying the sink, as when the
// participant navigates away. Outstanding sink calls are ignored.
func (c *Controller) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" && !c.state.Terminal() {
		c.log.Info().Str("session_id", c.sessionID).Int("trial_index", c.trialIndex).Msg("session abandoned")
	}
	c.epoch++
	c.resetLocked()
}

func (c *Controller) enterTrialLocked() Stimulus {
	c.state = StateInTrial
	p := c.params.Snapshot()
	stim := c.gen.Next(p)
	stim.ShownAt = c.cfg.Now()
	c.current = &stim
	c.state = StateAwaitingResponse
	c.log.Debug().
		Int("trial_index", c.trialIndex+1).
		Str("stimulus", stim.Display).
		Int("difficulty", p.DifficultyLevel).
		Msg("trial presented")
	return stim
}

func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.sessionID = ""
	c.trialIndex = 0
	c.counted = 0
	c.gen = nil
	c.current = nil
	c.pending = nil
	c.inFlight = false
}

func (c *Controller) startWithRetry(ctx context.Context, req sink.StartRequest) (string, int, error) {
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if c.cfg.StartAttempts > 1 {
		policy := c.cfg.StartBackoff
		policy.MaxRetries = uint64(c.cfg.StartAttempts - 1)
		bo = reliability.NewBackOff(ctx, policy)
	}

	attempts := 0
	id, err := backoff.RetryWithData(func() (string, error) {
		attempts++
		id, err := c.sink.StartSession(ctx, c.cfg.Token, req)
		if err == nil {
			return id, nil
		}
		if !retryable(ctx, err) {
			return "", backoff.Permanent(err)
		}
		c.log.Warn().Err(err).Int("attempt", attempts).Msg("session start attempt failed")
		return "", err
	}, bo)
	return id, attempts, err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *sink.StatusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.Code)
	}
	return true
}

func startConfig(tc TaskConfig) map[string]any {
	out := make(map[string]any, len(tc.Settings)+1)
	for k, v := range tc.Settings {
		out[k] = v
	}
	if tc.Trials > 0 {
		out["trials"] = tc.Trials
	}
	return out
}
