package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ReactionPhase gates when a press counts in the reaction task.
type ReactionPhase string

const (
	PhaseReady    ReactionPhase = "ready"
	PhaseWaiting  ReactionPhase = "waiting"
	PhaseStimulus ReactionPhase = "stimulus"
	PhaseResult   ReactionPhase = "result"
	PhaseEarly    ReactionPhase = "early"
)

var (
	ErrNotArmed     = errors.New("reaction trial not armed")
	ErrRunnerClosed = errors.New("reaction runner closed")
)

const (
	defaultMinDelay  = 1500 * time.Millisecond
	defaultDelaySpan = 3000 * time.Millisecond
)

// ReactionRunner adds the waiting period of the reaction task on top of a
// Controller: the go signal appears after a random delay and a press before
// it is recorded as early.
type ReactionRunner struct {
	ctrl     *Controller
	minDelay time.Duration
	span     time.Duration
	rng      *rand.Rand
	now      func() time.Time

	// OnStimulus, when set, runs on the timer goroutine as the signal shows.
	OnStimulus func()

	mu           sync.Mutex
	phase        ReactionPhase
	timer        *time.Timer
	waitingSince time.Time
	shownAt      time.Time
	closed       bool
}

// NewReactionRunner delays each signal by minDelay plus a uniform share of
// span. Zero values use 1.5s and 3s.
func NewReactionRunner(ctrl *Controller, minDelay, span time.Duration, rng *rand.Rand) *ReactionRunner {
	if minDelay <= 0 {
		minDelay = defaultMinDelay
	}
	if span < 0 {
		span = 0
	} else if span == 0 {
		span = defaultDelaySpan
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &ReactionRunner{
		ctrl:     ctrl,
		minDelay: minDelay,
		span:     span,
		rng:      rng,
		now:      time.Now,
		phase:    PhaseReady,
	}
}

func (r *ReactionRunner) Phase() ReactionPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Arm starts the waiting period of the next trial and returns its delay.
func (r *ReactionRunner) Arm() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRunnerClosed
	}
	if r.phase == PhaseWaiting || r.phase == PhaseStimulus {
		return 0, ErrBusy
	}

	delay := r.minDelay
	if r.span > 0 {
		delay += time.Duration(r.rng.Int64N(int64(r.span)))
	}
	r.phase = PhaseWaiting
	r.waitingSince = r.now()
	r.timer = time.AfterFunc(delay, r.show)
	return delay, nil
}

// Press handles a key press in the current phase.
func (r *ReactionRunner) Press(ctx context.Context) (TrialResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return TrialResult{}, ErrRunnerClosed
	}
	switch r.phase {
	case PhaseWaiting:
		r.stopTimerLocked()
		r.phase = PhaseEarly
		rt := r.now().Sub(r.waitingSince)
		r.mu.Unlock()
		return r.ctrl.RecordEarly(ctx, rt)
	case PhaseStimulus:
		r.phase = PhaseResult
		rt := r.now().Sub(r.shownAt)
		r.mu.Unlock()
		return r.ctrl.RespondTimed(ctx, ResponsePress, rt)
	default:
		r.mu.Unlock()
		return TrialResult{}, ErrNotArmed
	}
}

// Timeout records a signal that went unanswered for the response window.
func (r *ReactionRunner) Timeout(ctx context.Context) (TrialResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return TrialResult{}, ErrRunnerClosed
	}
	if r.phase != PhaseStimulus {
		r.mu.Unlock()
		return TrialResult{}, ErrNotArmed
	}
	r.phase = PhaseResult
	r.mu.Unlock()
	return r.ctrl.Timeout(ctx)
}

// Close cancels any pending signal. Further calls fail with ErrRunnerClosed.
func (r *ReactionRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopTimerLocked()
}

func (r *ReactionRunner) show() {
	r.mu.Lock()
	if r.closed || r.phase != PhaseWaiting {
		r.mu.Unlock()
		return
	}
	r.phase = PhaseStimulus
	r.shownAt = r.now()
	r.timer = nil
	fn := r.OnStimulus
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *ReactionRunner) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
