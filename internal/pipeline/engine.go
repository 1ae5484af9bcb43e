// Package pipeline runs the staged, cancellable update sequence and reports
// its progress as an ordered stream of events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/updater/internal/activity"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/settings"
)

var log = logging.L("pipeline")

const (
	DefaultDelay = 800 * time.Millisecond
	DefaultHold  = 3 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithDelay sets the wait between successive stage reports.
func WithDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.delay = d
	}
}

// WithHold sets how long a completed run lingers before its terminal event.
func WithHold(d time.Duration) Option {
	return func(e *Engine) {
		e.hold = d
	}
}

// Engine executes a fixed list of stages. It holds no state between runs
// apart from the flag that rejects overlapping ones.
type Engine struct {
	stages []compiledStage
	delay  time.Duration
	hold   time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	active atomic.Bool
}

// New validates stages and returns an engine for them.
func New(stages []Stage, opts ...Option) (*Engine, error) {
	compiled, err := compile(stages)
	if err != nil {
		return nil, err
	}
	e := &Engine{stages: compiled, delay: DefaultDelay, hold: DefaultHold, sleep: wait}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Len returns the number of stages.
func (e *Engine) Len() int {
	return len(e.stages)
}

// Start begins a run with the given settings snapshot and returns its event
// stream. Cancelling ctx asks the run to stop at the next stage boundary.
// The stream carries zero or more progress/log events followed by exactly
// one KindTerminal event, then is closed. The channel is unbuffered: the
// caller must drain it until it is closed.
//
// Start panics if the previous run on this engine has not yet delivered its
// terminal event.
func (e *Engine) Start(ctx context.Context, s settings.Settings) <-chan Event {
	if !e.active.CompareAndSwap(false, true) {
		panic("pipeline: Start called while a run is active")
	}

	run := &Run{ID: uuid.NewString(), Settings: s}
	events := make(chan Event)
	go e.execute(ctx, run, events)
	return events
}

func (e *Engine) execute(ctx context.Context, run *Run, events chan<- Event) {
	logger := logging.WithRun(log, run.ID)
	start := time.Now()
	logger.Info("update run started", "stages", len(e.stages), "software", run.Settings.SoftwareName)

	term := e.runStages(ctx, run, events, logger)
	run.finish()
	term.Kind = KindTerminal
	term.RunID = run.ID

	logger.Info("update run finished",
		logging.KeyOutcome, term.Outcome.String(),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	// Release the engine before the terminal event is observed so the
	// receiver may start the next run as soon as it sees it.
	e.active.Store(false)
	events <- term
	close(events)
}

func (e *Engine) runStages(ctx context.Context, run *Run, events chan<- Event, logger *slog.Logger) Event {
	for i, st := range e.stages {
		ordinal := i + 1

		if ctx.Err() != nil {
			return cancelled(ordinal, logger)
		}

		if st.Do != nil {
			if err := safeDo(ctx, st.Do, run); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return cancelled(ordinal, logger)
				}
				return failed(ordinal, err, logger)
			}
		}

		msg, err := st.render(run)
		if err != nil {
			return failed(ordinal, err, logger)
		}

		events <- Event{
			Kind:     KindProgress,
			RunID:    run.ID,
			Stage:    ordinal,
			Percent:  st.Progress,
			Status:   st.Status,
			Message:  msg,
			Category: activity.Update,
		}
		logger.Debug("stage reported", logging.KeyStage, ordinal, logging.KeyPercent, st.Progress)

		if ordinal < len(e.stages) {
			if err := e.sleep(ctx, e.delay); err != nil {
				return cancelled(ordinal+1, logger)
			}
		}
	}

	events <- Event{
		Kind:     KindLog,
		RunID:    run.ID,
		Percent:  100,
		Message:  fmt.Sprintf("Update for %s completed successfully!", run.Settings.SoftwareName),
		Category: activity.Success,
	}

	// Cancelling during the hold only cuts it short; every stage is done.
	e.sleep(ctx, e.hold)
	return Event{Outcome: Completed}
}

func cancelled(stage int, logger *slog.Logger) Event {
	logger.Info("update run cancelled", logging.KeyStage, stage)
	return Event{Outcome: Cancelled, Reason: "cancelled", Category: activity.Warning}
}

func failed(stage int, err error, logger *slog.Logger) Event {
	logger.Error("stage failed", logging.KeyStage, stage, logging.KeyError, err)
	return Event{Outcome: Failed, Reason: err.Error(), Err: err, Category: activity.Error}
}

// safeDo runs a stage body, converting a panic into an error so a faulty
// stage fails the run instead of the process.
func safeDo(ctx context.Context, fn StageFunc, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stage panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return fn(ctx, run)
}

// wait blocks for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
