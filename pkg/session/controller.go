// Package session implements the console session lifecycle controller: the
// state machine between user power actions and engine commands.
//
// A session moves Idle -> Ready once every asset has downloaded, then
// Ready -> Running on boot, and Running <-> Paused under TogglePause. A power
// request made while Idle is latched and replayed at the Idle -> Ready
// transition, so a press during download is never lost.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/metrics"
	"github.com/lob-engine/console/pkg/progress"
)

// Phase is the user-visible lifecycle phase.
type Phase string

// Phases
const (
	PhaseIdle    Phase = "idle"
	PhaseReady   Phase = "ready"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
)

// State is the value published to observers.
type State struct {
	Phase          Phase          `json:"phase"`
	PowerRequested bool           `json:"power_requested"`
	IsPaused       bool           `json:"is_paused"`
	Restoring      bool           `json:"restoring"`
	EngineAttached bool           `json:"engine_attached"`
	Progress       progress.State `json:"progress"`
}

// Ready reports whether downloads have completed.
func (s State) Ready() bool {
	return s.Phase != PhaseIdle
}

// Controller owns the engine handle and the power flags of one session. All
// methods are safe for concurrent use; engine commands are issued while the
// controller's lock is held so that transitions never interleave.
type Controller struct {
	id     string
	logger *slog.Logger

	mu             sync.Mutex
	engine         engine.Engine
	tracker        *progress.Tracker
	autostart      bool
	powerRequested bool
	ready          bool
	booted         bool
	isPaused       bool
	restoring      bool

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// Option configures a Controller.
type Option func(*Controller)

// WithAutostart tells the controller the engine starts itself once its
// assets are loaded.
func WithAutostart(on bool) Option {
	return func(c *Controller) { c.autostart = on }
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithScheduler replaces time.AfterFunc for cosmetic progress timers.
func WithScheduler(s progress.Scheduler) Option {
	return func(c *Controller) {
		c.tracker = progress.NewTracker(progress.WithScheduler(c.serialized(s)))
	}
}

// New returns an Idle controller with no engine attached.
func New(id string, opts ...Option) *Controller {
	c := &Controller{
		id:     id,
		logger: slog.Default(),
		subs:   make(map[int]func(State)),
	}
	c.tracker = progress.NewTracker(progress.WithScheduler(c.serialized(func(d time.Duration, fn func()) {
		time.AfterFunc(d, fn)
	})))
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session_controller", "session_id", id)
	return c
}

// serialized wraps a scheduler so that delayed tracker callbacks run under the
// controller lock and publish afterwards.
func (c *Controller) serialized(s progress.Scheduler) progress.Scheduler {
	return func(d time.Duration, fn func()) {
		s(d, func() {
			c.mu.Lock()
			fn()
			st := c.stateLocked()
			c.mu.Unlock()
			c.publish(st)
		})
	}
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// Attach hands the session its engine. A session owns at most one engine.
func (c *Controller) Attach(e engine.Engine) error {
	c.mu.Lock()
	if c.engine != nil {
		c.mu.Unlock()
		return errors.ErrEngineAttached
	}
	c.engine = e
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("session_engine_attached")
	c.publish(st)
	return nil
}

// Engine returns the attached engine or ErrNoEngine.
func (c *Controller) Engine() (engine.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, errors.ErrNoEngine
	}
	return c.engine, nil
}

// Ready reports whether downloads have completed.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Subscribe registers fn to receive every state change. The returned func
// removes the subscription.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// RequestPower latches a boot request. Once Ready it boots immediately,
// otherwise the boot runs when downloads complete.
func (c *Controller) RequestPower(ctx context.Context) error {
	c.mu.Lock()
	var err error
	switch {
	case c.restoring:
		err = errors.ErrRestoreInProgress
	case !c.ready:
		c.powerRequested = true
		c.logger.Info("session_power_latched")
	default:
		c.powerRequested = true
		err = c.bootLocked(ctx)
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.publish(st)
	return err
}

// OnDownloadEvent feeds the progress tracker. The first event that completes
// the download performs the Idle -> Ready transition; the returned error is
// from the boot it may trigger.
func (c *Controller) OnDownloadEvent(ctx context.Context, ev progress.DownloadEvent) error {
	c.mu.Lock()
	wasComplete := c.tracker.State().IsComplete
	ps := c.tracker.OnDownloadEvent(ev)

	var err error
	if ps.IsComplete && !wasComplete {
		err = c.onReadyLocked(ctx)
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.publish(st)
	return err
}

// OnDownloadError records a failed asset download.
func (c *Controller) OnDownloadError(ev progress.DownloadEvent) {
	c.mu.Lock()
	c.tracker.OnDownloadError(ev)
	st := c.stateLocked()
	c.mu.Unlock()

	metrics.DownloadErrors.Inc()
	c.logger.Warn("session_download_failed", "file", ev.FileName)
	c.publish(st)
}

// TogglePause stops a running machine or resumes a paused one. Before Ready
// it does nothing.
func (c *Controller) TogglePause(ctx context.Context) error {
	c.mu.Lock()
	var err error
	switch {
	case c.restoring:
		err = errors.ErrRestoreInProgress
	case !c.ready:
	case c.engine == nil:
		err = errors.ErrNoEngine
	case !c.isPaused:
		if err = c.issue(ctx, engine.CommandStop, c.engine.Stop); err == nil {
			c.isPaused = true
			c.logger.Info("session_paused")
		}
	default:
		if err = c.issue(ctx, engine.CommandRun, c.engine.Run); err == nil {
			c.isPaused = false
			c.booted = true
			c.logger.Info("session_resumed")
		}
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.publish(st)
	return err
}

// Reset restarts the machine. The pause flag is left as it is.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	var err error
	switch {
	case c.restoring:
		err = errors.ErrRestoreInProgress
	case !c.ready:
	case c.engine == nil:
		err = errors.ErrNoEngine
	default:
		if err = c.issue(ctx, engine.CommandRestart, c.engine.Restart); err == nil {
			c.booted = true
			c.logger.Info("session_reset")
		}
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.publish(st)
	return err
}

// Suspend stops the engine for a restore. It fails with ErrNotReady until
// downloads complete. Until Unsuspend, power operations fail with
// ErrRestoreInProgress.
func (c *Controller) Suspend(ctx context.Context) error {
	c.mu.Lock()
	var err error
	switch {
	case c.engine == nil:
		err = errors.ErrNoEngine
	case c.restoring:
		err = errors.ErrSnapshotBusy
	case !c.ready:
		err = errors.ErrNotReady
	default:
		if err = c.issue(ctx, engine.CommandStop, c.engine.Stop); err == nil {
			c.restoring = true
			c.logger.Info("session_suspended_for_restore")
		}
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.publish(st)
	return err
}

// Unsuspend runs the engine again after a restore. The session ends up
// running and unpaused even if the run command fails, so it never stays
// locked in the restoring state.
func (c *Controller) Unsuspend(ctx context.Context) error {
	c.mu.Lock()
	if !c.restoring {
		c.mu.Unlock()
		return nil
	}
	err := c.issue(ctx, engine.CommandRun, c.engine.Run)
	c.restoring = false
	c.isPaused = false
	c.booted = true
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("session_resumed_after_restore", "error", err)
	c.publish(st)
	return err
}

func (c *Controller) onReadyLocked(ctx context.Context) error {
	c.ready = true
	metrics.DownloadsCompleted.Inc()
	c.logger.Info("session_ready", "power_requested", c.powerRequested, "autostart", c.autostart)

	if c.autostart {
		c.booted = true
	}
	if !c.powerRequested {
		return nil
	}
	return c.bootLocked(ctx)
}

// bootLocked runs the boot sequence: a running engine is stopped and
// restarted, a stopped one is run.
func (c *Controller) bootLocked(ctx context.Context) error {
	if c.engine == nil {
		return errors.ErrNoEngine
	}

	running, err := c.engine.IsRunning(ctx)
	if err != nil {
		return errors.Wrap(err, "query engine state")
	}

	if running {
		if err := c.issue(ctx, engine.CommandStop, c.engine.Stop); err != nil {
			return err
		}
		if err := c.issue(ctx, engine.CommandRestart, c.engine.Restart); err != nil {
			return err
		}
	} else if err := c.issue(ctx, engine.CommandRun, c.engine.Run); err != nil {
		return err
	}

	c.booted = true
	c.isPaused = false
	c.logger.Info("session_booted", "restarted", running)
	return nil
}

func (c *Controller) issue(ctx context.Context, command string, fn func(context.Context) error) error {
	err := fn(ctx)
	metrics.EngineCommands.WithLabelValues(command, metrics.Outcome(err)).Inc()
	if err != nil {
		c.logger.Error("session_engine_command_failed", "command", command, "error", err)
		return errors.Wrap(err, command)
	}
	return nil
}

func (c *Controller) stateLocked() State {
	st := State{
		PowerRequested: c.powerRequested,
		IsPaused:       c.isPaused,
		Restoring:      c.restoring,
		EngineAttached: c.engine != nil,
		Progress:       c.tracker.State(),
	}
	switch {
	case !c.ready:
		st.Phase = PhaseIdle
	case c.isPaused:
		st.Phase = PhasePaused
	case c.booted:
		st.Phase = PhaseRunning
	default:
		st.Phase = PhaseReady
	}
	return st
}

func (c *Controller) publish(st State) {
	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
