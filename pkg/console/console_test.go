package console

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lob-engine/console/pkg/capture"
	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/engine/enginetest"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/profile"
	"github.com/lob-engine/console/pkg/progress"
	"github.com/lob-engine/console/pkg/session"
)

// pushingFake is an engine that also receives view frames.
type pushingFake struct {
	*enginetest.Fake

	mu    sync.Mutex
	views []View
}

func (p *pushingFake) Push(state any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views = append(p.views, state.(View))
	return nil
}

func (p *pushingFake) last() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.views[len(p.views)-1]
}

func newRegistry() *Registry {
	return NewRegistry(profile.NewResolver("https://assets.example/", ""), time.Second, nil)
}

func complete() engine.Event {
	idx, count := 0, 1
	n := int64(10)
	return engine.Event{
		Name:     engine.EventDownloadProgress,
		Progress: progress.DownloadEvent{FileName: "images/system.iso", FileIndex: &idx, FileCount: &count, LoadedBytes: &n, TotalBytes: &n},
	}
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := newRegistry()

	s := r.Create("no-such-profile", profile.Overrides{})
	assert.Equal(t, profile.Default, s.Profile.Name)
	assert.Equal(t, "https://assets.example/engine/v86.wasm", s.Params.WasmPath)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	host, err := r.Host(s.ID)
	require.NoError(t, err)
	assert.Same(t, s.Controller, host)

	r.Remove(s.ID)
	r.Remove(s.ID)

	_, err = r.Get(s.ID)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
	_, err = r.Host(s.ID)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestRegistry_AutostartOverride(t *testing.T) {
	r := newRegistry()
	on := true
	s := r.Create(profile.Vanilla, profile.Overrides{Autostart: &on})
	assert.True(t, s.Profile.Autostart)
	assert.Equal(t, profile.Vanilla, s.View().Profile)
}

func TestRegistry_SweepRemovesUnconnected(t *testing.T) {
	r := newRegistry()
	idle := r.Create("", profile.Overrides{})
	live := r.Create("", profile.Overrides{})
	require.NoError(t, live.Attach(enginetest.NewFake(nil)))

	assert.Equal(t, 0, r.Sweep(time.Now(), time.Hour))
	assert.Equal(t, 1, r.Sweep(time.Now().Add(2*time.Hour), time.Hour))

	_, err := r.Get(idle.ID)
	assert.Error(t, err)
	_, err = r.Get(live.ID)
	assert.NoError(t, err)
	assert.Len(t, r.List(), 1)
}

func TestSession_AttachOnce(t *testing.T) {
	s := newRegistry().Create("", profile.Overrides{})
	require.NoError(t, s.Attach(enginetest.NewFake(nil)))
	assert.True(t, s.Connected())
	assert.True(t, errors.Is(s.Attach(enginetest.NewFake(nil)), errors.ErrEngineAttached))
}

func TestSession_LatchedPowerBootsOnDownloadComplete(t *testing.T) {
	ctx := context.Background()
	s := newRegistry().Create("", profile.Overrides{})
	e := &pushingFake{Fake: enginetest.NewFake(nil)}
	require.NoError(t, s.Attach(e))

	require.NoError(t, s.Controller.RequestPower(ctx))
	assert.True(t, e.last().Presentation.ShowProgressModal)
	assert.Empty(t, e.Commands())

	s.HandleEvent(ctx, complete())

	assert.Equal(t, []string{engine.CommandRun}, e.Commands())
	v := e.last()
	assert.Equal(t, session.PhaseRunning, v.Session.Phase)
	assert.Equal(t, LabelRestart, v.Presentation.PowerLabel)
	assert.False(t, v.Presentation.ShowProgressModal)
	assert.Equal(t, progress.StatusComplete, v.Presentation.StatusText)
}

func TestSession_CapabilitiesResolveOnce(t *testing.T) {
	ctx := context.Background()
	s := newRegistry().Create("", profile.Overrides{})
	e := &pushingFake{Fake: enginetest.NewFake(nil)}
	require.NoError(t, s.Attach(e))

	s.HandleEvent(ctx, engine.Event{Name: engine.EventHello, Capabilities: engine.Capabilities{
		FullScreen:     []string{"webkitRequestFullscreen", "requestFullscreen"},
		ExitFullScreen: []string{"webkitExitFullscreen"},
	}})
	assert.True(t, e.last().Capture.FullScreenSupported)
	assert.False(t, e.last().Capture.PointerLockSupported)

	s.HandleEvent(ctx, engine.Event{Name: engine.EventHello, Capabilities: engine.Capabilities{
		PointerLock: []string{"requestPointerLock"},
	}})
	assert.False(t, s.Capture.State().PointerLockSupported, "later reports are ignored")

	require.NoError(t, s.Capture.RequestFullScreen(ctx))
	s.HandleEvent(ctx, engine.Event{Name: engine.EventStopped})

	assert.Equal(t, []string{"requestFullscreen", "webkitExitFullscreen"}, e.Captures())
	assert.False(t, e.last().Capture.FullScreen)
}

func TestSession_StoppedWithoutPrimitivesIsHarmless(t *testing.T) {
	ctx := context.Background()
	s := newRegistry().Create("", profile.Overrides{})
	e := &pushingFake{Fake: enginetest.NewFake(nil)}
	require.NoError(t, s.Attach(e))

	s.HandleEvent(ctx, engine.Event{Name: engine.EventFullScreenChange, Enabled: true})
	assert.True(t, e.last().Capture.FullScreen)

	s.HandleEvent(ctx, engine.Event{Name: engine.EventStopped})
	assert.Empty(t, e.Captures())
	assert.True(t, s.Capture.State().FullScreen)
}

func TestSession_MouseEnableArmsPointerLock(t *testing.T) {
	ctx := context.Background()
	s := newRegistry().Create("", profile.Overrides{})
	e := &pushingFake{Fake: enginetest.NewFake(nil)}
	require.NoError(t, s.Attach(e))

	s.HandleEvent(ctx, engine.Event{Name: engine.EventHello, Capabilities: engine.Capabilities{
		PointerLock: []string{"mozRequestPointerLock"},
	}})
	assert.False(t, e.last().Presentation.PointerLockArmed)

	s.HandleEvent(ctx, engine.Event{Name: engine.EventMouseEnable, Enabled: true})
	assert.True(t, e.last().Presentation.PointerLockArmed)

	require.NoError(t, s.Capture.ClickToCapture(ctx))
	assert.Equal(t, []string{"mozRequestPointerLock"}, e.Captures())
}

func TestSession_DownloadErrorAndUnknownEvent(t *testing.T) {
	ctx := context.Background()
	s := newRegistry().Create("", profile.Overrides{})
	e := &pushingFake{Fake: enginetest.NewFake(nil)}
	require.NoError(t, s.Attach(e))

	s.HandleEvent(ctx, engine.Event{Name: "mystery"})
	s.HandleEvent(ctx, engine.Event{
		Name:     engine.EventDownloadError,
		Progress: progress.DownloadEvent{FileName: "images/system.iso"},
	})

	v := e.last()
	assert.Equal(t, session.PhaseIdle, v.Session.Phase)
	assert.NotEmpty(t, v.Presentation.StatusText)
	assert.Equal(t, DisplayBlock, v.Presentation.ProgressDisplay)
}

func TestPresent(t *testing.T) {
	tests := []struct {
		name  string
		st    session.State
		cs    capture.State
		check func(t *testing.T, p Presentation)
	}{
		{
			name: "idle",
			st:   session.State{Phase: session.PhaseIdle, Progress: progress.State{Ratio: progress.RatioUnset}},
			check: func(t *testing.T, p Presentation) {
				assert.Equal(t, LabelPowerOn, p.PowerLabel)
				assert.Equal(t, DisplayNone, p.ControlsDisplay)
				assert.Equal(t, DisplayNone, p.ProgressDisplay)
				assert.Equal(t, -1, p.ProgressPercent)
				assert.False(t, p.PauseEnabled)
				assert.False(t, p.ShowProgressModal)
			},
		},
		{
			name: "downloading after power press",
			st: session.State{Phase: session.PhaseIdle, PowerRequested: true,
				Progress: progress.State{Ratio: 0.426, StatusText: "Downloading v86.wasm"}},
			check: func(t *testing.T, p Presentation) {
				assert.True(t, p.ShowProgressModal)
				assert.Equal(t, 42, p.ProgressPercent)
				assert.Equal(t, DisplayBlock, p.ProgressDisplay)
			},
		},
		{
			name: "ready",
			st:   session.State{Phase: session.PhaseReady, Progress: progress.State{Ratio: 1, IsComplete: true}},
			check: func(t *testing.T, p Presentation) {
				assert.Equal(t, LabelPowerOn, p.PowerLabel)
				assert.Equal(t, DisplayFlex, p.ControlsDisplay)
				assert.True(t, p.PauseEnabled)
				assert.Equal(t, 100, p.ProgressPercent)
			},
		},
		{
			name: "paused",
			st:   session.State{Phase: session.PhasePaused, IsPaused: true, Progress: progress.State{IsComplete: true}},
			check: func(t *testing.T, p Presentation) {
				assert.Equal(t, LabelRestart, p.PowerLabel)
				assert.Equal(t, LabelResume, p.PauseLabel)
			},
		},
		{
			name: "restoring",
			st:   session.State{Phase: session.PhaseRunning, Restoring: true, Progress: progress.State{IsComplete: true}},
			check: func(t *testing.T, p Presentation) {
				assert.Equal(t, LabelPause, p.PauseLabel)
				assert.False(t, p.PauseEnabled)
			},
		},
		{
			name: "capture",
			st:   session.State{Phase: session.PhaseRunning},
			cs:   capture.State{FullScreen: true, FullScreenSupported: true, MouseEnabled: true},
			check: func(t *testing.T, p Presentation) {
				assert.True(t, p.FullScreen)
				assert.True(t, p.FullScreenSupported)
				assert.False(t, p.PointerLockArmed, "no pointer-lock primitive")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Present(tt.st, tt.cs))
		})
	}
}
