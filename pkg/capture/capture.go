// Package capture coordinates full-screen and pointer-lock requests against
// the primitives a page exposes.
package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/metrics"
)

// Kind names a capture operation.
type Kind string

// Kinds
const (
	KindFullScreen     Kind = "fullscreen"
	KindExitFullScreen Kind = "exit-fullscreen"
	KindPointerLock    Kind = "pointer-lock"
)

// Priority lists equivalent page primitives per kind, most preferred first.
var Priority = map[Kind][]string{
	KindFullScreen: {
		"requestFullscreen",
		"mozRequestFullScreen",
		"webkitRequestFullscreen",
		"msRequestFullscreen",
	},
	KindExitFullScreen: {
		"exitFullscreen",
		"mozCancelFullScreen",
		"webkitExitFullscreen",
		"msExitFullscreen",
	},
	KindPointerLock: {
		"requestPointerLock",
		"mozRequestPointerLock",
		"webkitRequestPointerLock",
		"msRequestPointerLock",
	},
}

// Capability is one resolved capture operation.
type Capability struct {
	kind    Kind
	method  string
	invoker engine.Capturer
}

// Supported reports whether a primitive was found for the capability.
func (c Capability) Supported() bool {
	return c.method != "" && c.invoker != nil
}

// Method returns the chosen primitive, or "" when unsupported.
func (c Capability) Method() string {
	return c.method
}

// Invoke runs the primitive, or returns ErrUnsupported.
func (c Capability) Invoke(ctx context.Context) error {
	if !c.Supported() {
		return errors.Wrap(errors.ErrUnsupported, string(c.kind))
	}
	return c.invoker.Capture(ctx, c.method)
}

// Provider exposes one uniform capability per kind, chosen once.
type Provider struct {
	caps map[Kind]Capability
}

// Resolve picks, for every kind, the first primitive in Priority order that
// the page reported as available.
func Resolve(invoker engine.Capturer, available engine.Capabilities) *Provider {
	reported := map[Kind][]string{
		KindFullScreen:     available.FullScreen,
		KindExitFullScreen: available.ExitFullScreen,
		KindPointerLock:    available.PointerLock,
	}

	p := &Provider{caps: make(map[Kind]Capability, len(Priority))}
	for kind, order := range Priority {
		c := Capability{kind: kind, invoker: invoker}
		for _, method := range order {
			if contains(reported[kind], method) {
				c.method = method
				break
			}
		}
		p.caps[kind] = c
	}
	return p
}

// Get returns the capability for kind.
func (p *Provider) Get(kind Kind) Capability {
	if p == nil {
		return Capability{kind: kind}
	}
	c, ok := p.caps[kind]
	if !ok {
		return Capability{kind: kind}
	}
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// State is the coordinator's observable state.
type State struct {
	FullScreen           bool `json:"fullscreen"`
	MouseEnabled         bool `json:"mouse_enabled"`
	FullScreenSupported  bool `json:"fullscreen_supported"`
	PointerLockSupported bool `json:"pointer_lock_supported"`
}

// Coordinator tracks full-screen and pointer-lock state for one session.
type Coordinator struct {
	logger *slog.Logger

	mu           sync.Mutex
	provider     *Provider
	fullScreen   bool
	mouseEnabled bool
}

// NewCoordinator returns a coordinator with no primitives resolved yet.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "capture")}
}

// SetProvider installs the resolved primitives.
func (c *Coordinator) SetProvider(p *Provider) {
	c.mu.Lock()
	c.provider = p
	c.mu.Unlock()

	c.logger.Info("capture_provider_resolved",
		"fullscreen", p.Get(KindFullScreen).Method(),
		"exit_fullscreen", p.Get(KindExitFullScreen).Method(),
		"pointer_lock", p.Get(KindPointerLock).Method())
}

// State returns a copy of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		FullScreen:           c.fullScreen,
		MouseEnabled:         c.mouseEnabled,
		FullScreenSupported:  c.provider.Get(KindFullScreen).Supported(),
		PointerLockSupported: c.provider.Get(KindPointerLock).Supported(),
	}
}

// RequestPointerLock captures the mouse.
func (c *Coordinator) RequestPointerLock(ctx context.Context) error {
	return c.invoke(ctx, KindPointerLock)
}

// RequestFullScreen enters full-screen.
func (c *Coordinator) RequestFullScreen(ctx context.Context) error {
	if err := c.invoke(ctx, KindFullScreen); err != nil {
		return err
	}
	c.OnFullScreenChanged(true)
	return nil
}

// ExitFullScreen leaves full-screen.
func (c *Coordinator) ExitFullScreen(ctx context.Context) error {
	if err := c.invoke(ctx, KindExitFullScreen); err != nil {
		return err
	}
	c.OnFullScreenChanged(false)
	return nil
}

// OnMouseCapabilityChanged records whether the guest has a mouse, which gates
// pointer lock on the next click.
func (c *Coordinator) OnMouseCapabilityChanged(enabled bool) {
	c.mu.Lock()
	c.mouseEnabled = enabled
	c.mu.Unlock()
}

// OnFullScreenChanged records a full-screen change reported by the page.
func (c *Coordinator) OnFullScreenChanged(on bool) {
	c.mu.Lock()
	c.fullScreen = on
	c.mu.Unlock()
}

// ClickToCapture handles a click on the screen: pointer lock is requested
// only when the guest has enabled its mouse.
func (c *Coordinator) ClickToCapture(ctx context.Context) error {
	c.mu.Lock()
	enabled := c.mouseEnabled
	c.mu.Unlock()

	if !enabled {
		return nil
	}
	return c.RequestPointerLock(ctx)
}

// OnEngineStopped leaves full-screen if the page is in it. Otherwise it does
// nothing.
func (c *Coordinator) OnEngineStopped(ctx context.Context) error {
	c.mu.Lock()
	on := c.fullScreen
	c.mu.Unlock()

	if !on {
		return nil
	}
	return c.ExitFullScreen(ctx)
}

func (c *Coordinator) invoke(ctx context.Context, kind Kind) error {
	c.mu.Lock()
	capability := c.provider.Get(kind)
	c.mu.Unlock()

	err := capability.Invoke(ctx)
	switch {
	case errors.Is(err, errors.ErrUnsupported):
		metrics.CaptureRequests.WithLabelValues(string(kind), metrics.ResultUnsupported).Inc()
		c.logger.Warn("capture_unsupported", "kind", kind)
	case err != nil:
		metrics.CaptureRequests.WithLabelValues(string(kind), metrics.ResultError).Inc()
		c.logger.Error("capture_failed", "kind", kind, "method", capability.Method(), "error", err)
	default:
		metrics.CaptureRequests.WithLabelValues(string(kind), metrics.ResultOK).Inc()
		c.logger.Debug("capture_invoked", "kind", kind, "method", capability.Method())
	}
	return err
}
