// Package controller owns the update run lifecycle: it gates the start and
// cancel actions on the run state, drives the pipeline engine and forwards
// its events to the activity log and to presenters.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/breeze-rmm/updater/internal/activity"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/pipeline"
	"github.com/breeze-rmm/updater/internal/settings"
	"github.com/breeze-rmm/updater/internal/workerpool"
)

var log = logging.L("controller")

var (
	// ErrBusy is returned by Start while a run is in progress.
	ErrBusy = errors.New("an update is already in progress")
	// ErrNotRunning is returned by Cancel when there is nothing to cancel.
	ErrNotRunning = errors.New("no update is running")
)

// Labels and status lines shown by presenters.
const (
	LabelCheck    = "Check for Updates"
	LabelUpdating = "Updating..."
	LabelComplete = "Update Complete"

	StatusReady     = "Ready to check for updates"
	StatusCancelled = "Update cancelled"
	StatusFailed    = "Update failed"
)

// View is the presenter-facing snapshot of the controller.
type View struct {
	State       RunState
	Percent     int
	Status      string
	ButtonLabel string
	VersionInfo string
	CanStart    bool
	CanCancel   bool
}

// Controller runs at most one update at a time.
type Controller struct {
	log    *activity.Log
	engine *pipeline.Engine
	pool   *workerpool.Pool

	// notifyMu orders presenter callbacks; mu guards the fields below.
	notifyMu sync.Mutex
	mu       sync.Mutex

	cfg       settings.Settings
	state     RunState
	percent   int
	status    string
	label     string
	cancel    context.CancelFunc
	done      chan struct{}
	observers map[int]func(View)
	nextID    int
}

// New loads the settings from store and returns an idle controller.
func New(store *settings.Store, activityLog *activity.Log, engine *pipeline.Engine) *Controller {
	cfg := store.Load()

	c := &Controller{
		log:       activityLog,
		engine:    engine,
		pool:      workerpool.New(1, 1),
		cfg:       cfg,
		state:     Idle,
		status:    StatusReady,
		label:     LabelCheck,
		observers: make(map[int]func(View)),
	}

	activityLog.Append("Updater initialized successfully", activity.System)
	activityLog.Append("Ready to begin update process", activity.System)
	return c
}

// Settings returns the settings the next run will use.
func (c *Controller) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateSettings replaces the settings used by future runs. A run in
// progress keeps the snapshot it started with.
func (c *Controller) UpdateSettings(cfg settings.Settings) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.notify()
}

// State returns the current run state.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanStart reports whether Start is currently enabled.
func (c *Controller) CanStart() bool {
	return c.State().CanStart()
}

// CanCancel reports whether Cancel is currently enabled.
func (c *Controller) CanCancel() bool {
	return c.State().CanCancel()
}

// Snapshot returns what a presenter should display right now.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	return View{
		State:       c.state,
		Percent:     c.percent,
		Status:      c.status,
		ButtonLabel: c.label,
		VersionInfo: fmt.Sprintf("Current Version: %s | Software: %s", c.cfg.CurrentVersion, c.cfg.SoftwareName),
		CanStart:    c.state.CanStart(),
		CanCancel:   c.state.CanCancel(),
	}
}

// Subscribe registers fn to receive a View after every change. fn runs on
// the goroutine that made the change; it must not block or call back into
// the controller.
func (c *Controller) Subscribe(fn func(View)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	view := c.viewLocked()
	observers := make([]func(View), 0, len(c.observers))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(view)
	}
}

// Start begins a new run with the current settings. The run executes on the
// controller's worker; Start itself does not block.
func (c *Controller) Start() error {
	c.mu.Lock()
	if !c.state.CanStart() {
		c.mu.Unlock()
		return ErrBusy
	}
	prev := c.state
	cfg := c.cfg
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.state = Running
	c.percent = 0
	c.label = LabelUpdating
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Append("Update process initiated by user", activity.User)
	c.log.Append("Preparing to check for updates...", activity.System)

	err := c.pool.Submit(func() {
		defer close(done)
		defer cancel()
		c.consume(c.engine.Start(ctx, cfg))
	})
	if err != nil {
		cancel()
		close(done)
		c.mu.Lock()
		c.state = prev
		c.label = LabelCheck
		c.cancel = nil
		c.mu.Unlock()
		c.log.Append(fmt.Sprintf("Update could not start: %v", err), activity.Error)
		c.notify()
		return fmt.Errorf("start update: %w", err)
	}

	log.Info("update started", "software", cfg.SoftwareName, "currentVersion", cfg.CurrentVersion)
	c.notify()
	return nil
}

func (c *Controller) consume(events <-chan pipeline.Event) {
	for ev := range events {
		switch ev.Kind {
		case pipeline.KindProgress:
			c.log.Append(ev.Message, ev.Category)
			c.mu.Lock()
			c.percent = ev.Percent
			c.status = ev.Status
			c.mu.Unlock()

		case pipeline.KindLog:
			c.log.Append(ev.Message, ev.Category)
			if ev.Category == activity.Success {
				c.mu.Lock()
				c.label = LabelComplete
				c.mu.Unlock()
			}

		case pipeline.KindTerminal:
			c.finish(ev)
		}
		c.notify()
	}
}

func (c *Controller) finish(ev pipeline.Event) {
	switch ev.Outcome {
	case pipeline.Cancelled:
		c.log.Append("Update was cancelled", activity.Warning)
	case pipeline.Failed:
		c.log.Append(fmt.Sprintf("Update failed: %s", ev.Reason), activity.Error)
	}

	c.mu.Lock()
	c.state = stateFor(ev.Outcome)
	switch ev.Outcome {
	case pipeline.Cancelled:
		c.status = StatusCancelled
	case pipeline.Failed:
		c.status = StatusFailed
	}
	c.label = LabelCheck
	c.cancel = nil
	c.mu.Unlock()

	logging.WithRun(log, ev.RunID).Info("update finished", logging.KeyOutcome, ev.Outcome.String())
}

// Cancel asks the running update to stop at its next stage boundary. The
// state stays Cancelling until the pipeline confirms.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if !c.state.CanCancel() {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = Cancelling
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Append("Update process cancelled by user", activity.Warning)
	cancel()
	c.notify()
	return nil
}

// Wait blocks until the current run, if any, has delivered its terminal
// event, or until ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any run in progress and waits for the worker to finish.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.pool.Drain(ctx)
}
