package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/antoniostano/stresslab/internal/engine"
	"github.com/antoniostano/stresslab/internal/reliability"
	"github.com/antoniostano/stresslab/internal/sink"
)

// Responder is the participant's side of a run.
type Responder interface {
	// Show presents a stimulus or a prompt.
	Show(text string)
	// Answer blocks until the participant answers or ctx ends.
	Answer(ctx context.Context) (string, error)
}

// StepReport summarizes one completed plan step.
type StepReport struct {
	Task      sink.Task
	SessionID string
	Trials    int
	Correct   int
	Early     int
	Timeouts  int
}

// Runner walks a plan with one participant's controller.
type Runner struct {
	ctrl *engine.Controller
	resp Responder
	log  zerolog.Logger

	// EmitRetry bounds how long a failed trial emission is retried before
	// the run stops.
	EmitRetry reliability.Policy
	// ReactionDelay and ReactionSpan shape the reaction task's wait period.
	ReactionDelay time.Duration
	ReactionSpan  time.Duration
	// BreakTick is how often the remaining break time is shown.
	BreakTick time.Duration
}

func NewRunner(ctrl *engine.Controller, resp Responder, log zerolog.Logger) *Runner {
	return &Runner{
		ctrl: ctrl,
		resp: resp,
		log:  log.With().Str("component", "runner").Logger(),
		EmitRetry: reliability.Policy{
			Initial:    250 * time.Millisecond,
			Max:        2 * time.Second,
			MaxRetries: 4,
		},
		BreakTick: 10 * time.Second,
	}
}

// Run executes every step in order. A step that cannot be recorded stops
// the run; its session is abandoned, not finished.
func (r *Runner) Run(ctx context.Context, plan engine.Plan) ([]StepReport, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	reports := make([]StepReport, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		rep, err := r.RunStep(ctx, step)
		if err != nil {
			r.ctrl.Abandon()
			return reports, fmt.Errorf("step %d (%s): %w", i+1, step.Task, err)
		}
		reports = append(reports, rep)
		if i < len(plan.Steps)-1 && step.Break > 0 {
			if err := r.rest(ctx, step.Break); err != nil {
				return reports, err
			}
		}
	}
	return reports, nil
}

// rest shows a countdown for d and returns early when ctx ends.
func (r *Runner) rest(ctx context.Context, d time.Duration) error {
	tick := r.BreakTick
	if tick <= 0 || tick > d {
		tick = d
	}
	deadline := time.Now().Add(d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	r.resp.Show(fmt.Sprintf("break: %s remaining", d.Round(time.Second)))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			left := time.Until(deadline).Round(time.Second)
			if left <= 0 {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.resp.Show(fmt.Sprintf("break: %s remaining", left))
		}
	}
}

// RunStep runs one task session to completion.
func (r *Runner) RunStep(ctx context.Context, step engine.Step) (StepReport, error) {
	sessionID, err := r.ctrl.Start(ctx, step.Task, step.TaskConfig())
	if err != nil {
		return StepReport{}, err
	}
	rep := StepReport{Task: step.Task, SessionID: sessionID}
	window := step.ResponseWindow
	if window <= 0 {
		window = 3 * time.Second
	}

	if step.Task == sink.TaskReaction {
		return rep, r.runReaction(ctx, window, &rep)
	}

	for {
		stim, ok := r.ctrl.Current()
		if !ok {
			return rep, nil
		}
		r.resp.Show(prompt(stim))
		answer, aerr := r.answer(ctx, window)

		var res engine.TrialResult
		switch {
		case aerr == nil:
			res, err = r.ctrl.Respond(ctx, normalizeResponse(step.Task, answer))
		case errors.Is(aerr, context.DeadlineExceeded):
			res, err = r.ctrl.Timeout(ctx)
		default:
			return rep, aerr
		}
		res, err = r.settle(ctx, res, err)
		if err != nil {
			return rep, err
		}
		tally(&rep, res.Event)
		if res.Finished {
			return rep, nil
		}
	}
}

func (r *Runner) runReaction(ctx context.Context, window time.Duration, rep *StepReport) error {
	rr := engine.NewReactionRunner(r.ctrl, r.ReactionDelay, r.ReactionSpan, nil)
	defer rr.Close()
	rr.OnStimulus = func() { r.resp.Show("GO!") }

	for {
		if _, ok := r.ctrl.Current(); !ok {
			return nil
		}
		delay, err := rr.Arm()
		if err != nil {
			return err
		}
		r.resp.Show("wait for GO, then press enter")
		_, aerr := r.answer(ctx, delay+window)

		var res engine.TrialResult
		switch {
		case aerr == nil:
			res, err = rr.Press(ctx)
		case errors.Is(aerr, context.DeadlineExceeded):
			res, err = rr.Timeout(ctx)
		default:
			return aerr
		}
		res, err = r.settle(ctx, res, err)
		if err != nil {
			return err
		}
		if res.Event.Outcome == sink.OutcomeEarly {
			r.resp.Show("too early")
		}
		tally(rep, res.Event)
		if res.Finished {
			return nil
		}
	}
}

// answer waits for one answer within window. A deadline error means the
// window elapsed while the parent context is still live.
func (r *Runner) answer(ctx context.Context, window time.Duration) (string, error) {
	actx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	answer, err := r.resp.Answer(actx)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil && actx.Err() != nil {
		return "", context.DeadlineExceeded
	}
	return answer, err
}

// settle resolves a trial result: a failed emission is retried with backoff,
// an unauthorized token ends the run and a failed finish is only logged.
func (r *Runner) settle(ctx context.Context, res engine.TrialResult, err error) (engine.TrialResult, error) {
	var finishErr *sink.FinishError
	if errors.As(err, &finishErr) {
		r.log.Warn().Err(err).Msg("finish notification failed; continuing")
		return res, nil
	}
	var emitErr *sink.TrialEmitError
	if !errors.As(err, &emitErr) {
		return res, err
	}
	if errors.Is(err, sink.ErrUnauthorized) {
		return res, err
	}

	bo := reliability.NewBackOff(ctx, r.EmitRetry)
	notify := func(err error, next time.Duration) {
		r.log.Warn().Err(err).Int("trial_index", emitErr.TrialIndex).Dur("retry_in", next).Msg("retrying trial emission")
	}
	return backoff.RetryNotifyWithData(func() (engine.TrialResult, error) {
		res, err := r.ctrl.Retry(ctx)
		if errors.As(err, &finishErr) {
			r.log.Warn().Err(err).Msg("finish notification failed; continuing")
			return res, nil
		}
		if err != nil && (errors.Is(err, sink.ErrUnauthorized) || !errors.As(err, new(*sink.TrialEmitError))) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, bo, notify)
}

func tally(rep *StepReport, ev sink.TrialEvent) {
	switch ev.Outcome {
	case sink.OutcomeEarly:
		rep.Early++
		return
	case sink.OutcomeTimeout:
		rep.Timeouts++
	}
	rep.Trials++
	if ev.Correct != nil && *ev.Correct {
		rep.Correct++
	}
}

func prompt(s engine.Stimulus) string {
	switch s.Task {
	case sink.TaskNBack:
		return fmt.Sprintf("[%d-back] %s   (m = match, enter = no match)", max(1, s.Params.DifficultyLevel), s.Display)
	case sink.TaskStroop:
		return fmt.Sprintf("%s   (type the ink colour: r/b/g/y)", s.Display)
	default:
		return s.Display
	}
}

// normalizeResponse maps console shorthands onto task responses.
func normalizeResponse(task sink.Task, raw string) string {
	in := strings.ToLower(strings.TrimSpace(raw))
	switch task {
	case sink.TaskNBack:
		if in == "m" || in == engine.ResponseMatch {
			return engine.ResponseMatch
		}
		return engine.ResponseNoMatch
	case sink.TaskStroop:
		for _, c := range engine.StroopColors {
			lc := strings.ToLower(c)
			if in == lc || (len(in) == 1 && strings.HasPrefix(lc, in)) {
				return c
			}
		}
		return strings.ToUpper(in)
	default:
		return engine.ResponsePress
	}
}
