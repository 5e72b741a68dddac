// Package console composes console sessions: one boot profile, one engine,
// the lifecycle controller and capture coordinator that drive it, and the
// registry that finds sessions by id.
package console

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lob-engine/console/pkg/capture"
	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/profile"
	"github.com/lob-engine/console/pkg/session"
)

// Pusher receives every view change, e.g. an engine bridge relaying state to
// its page.
type Pusher interface {
	Push(state any) error
}

// View is the state frame published to the page.
type View struct {
	SessionID    string        `json:"session_id"`
	Profile      string        `json:"profile"`
	Session      session.State `json:"session"`
	Capture      capture.State `json:"capture"`
	Presentation Presentation  `json:"presentation"`
}

// Session is one console.
type Session struct {
	ID         string
	Profile    profile.BootProfile
	Params     profile.BootParams
	Controller *session.Controller
	Capture    *capture.Coordinator
	CreatedAt  time.Time

	logger         *slog.Logger
	commandTimeout time.Duration

	mu       sync.Mutex
	capturer engine.Capturer
	pusher   Pusher
	resolved bool
}

func newSession(id string, p profile.BootProfile, params profile.BootParams, commandTimeout time.Duration, logger *slog.Logger) *Session {
	logger = logger.With("session_id", id)
	return &Session{
		ID:      id,
		Profile: p,
		Params:  params,
		Controller: session.New(id,
			session.WithAutostart(p.Autostart),
			session.WithLogger(logger)),
		Capture:        capture.NewCoordinator(logger),
		CreatedAt:      time.Now(),
		logger:         logger.With("component", "console_session"),
		commandTimeout: commandTimeout,
	}
}

// View returns the current state frame.
func (s *Session) View() View {
	st := s.Controller.State()
	cs := s.Capture.State()
	return View{
		SessionID:    s.ID,
		Profile:      s.Profile.Name,
		Session:      st,
		Capture:      cs,
		Presentation: Present(st, cs),
	}
}

// Attach hands the session its engine. An engine that can also invoke page
// primitives or receive state frames is wired for those too.
func (s *Session) Attach(e engine.Engine) error {
	if err := s.Controller.Attach(e); err != nil {
		return err
	}

	s.mu.Lock()
	if c, ok := e.(engine.Capturer); ok {
		s.capturer = c
	}
	if p, ok := e.(Pusher); ok {
		s.pusher = p
	}
	s.mu.Unlock()

	s.Controller.Subscribe(func(session.State) { s.push() })
	s.push()
	return nil
}

// Serve attaches b and routes its events until the connection closes.
func (s *Session) Serve(ctx context.Context, b *engine.Bridge) error {
	if err := s.Attach(b); err != nil {
		return err
	}
	s.logger.Info("console_engine_connected")
	defer s.logger.Info("console_engine_disconnected")

	return b.Serve(ctx, func(ev engine.Event) { s.HandleEvent(ctx, ev) })
}

// HandleEvent routes one engine event to the component that owns it.
func (s *Session) HandleEvent(ctx context.Context, ev engine.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	var err error
	switch ev.Name {
	case engine.EventHello:
		s.resolveCapabilities(ev.Capabilities)
	case engine.EventDownloadProgress:
		err = s.Controller.OnDownloadEvent(ctx, ev.Progress)
	case engine.EventDownloadError:
		s.Controller.OnDownloadError(ev.Progress)
	case engine.EventMouseEnable:
		s.Capture.OnMouseCapabilityChanged(ev.Enabled)
	case engine.EventStopped:
		err = s.Capture.OnEngineStopped(ctx)
		if errors.Is(err, errors.ErrUnsupported) {
			err = nil
		}
	case engine.EventFullScreenChange:
		s.Capture.OnFullScreenChanged(ev.Enabled)
	default:
		s.logger.Warn("console_event_unknown", "event", ev.Name)
		return
	}

	if err != nil {
		s.logger.Error("console_event_failed", "event", ev.Name, "error", err)
	}
	switch ev.Name {
	case engine.EventHello, engine.EventMouseEnable, engine.EventStopped, engine.EventFullScreenChange:
		s.push()
	}
}

// resolveCapabilities installs the capture provider. The first report wins.
func (s *Session) resolveCapabilities(caps engine.Capabilities) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		s.logger.Debug("console_capabilities_ignored")
		return
	}
	s.resolved = true
	capturer := s.capturer
	s.mu.Unlock()

	s.Capture.SetProvider(capture.Resolve(capturer, caps))
}

// Connected reports whether an engine has attached.
func (s *Session) Connected() bool {
	return s.Controller.State().EngineAttached
}

func (s *Session) push() {
	s.mu.Lock()
	p := s.pusher
	s.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Push(s.View()); err != nil {
		s.logger.Debug("console_push_failed", "error", err)
	}
}
