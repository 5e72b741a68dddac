package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/engine/enginetest"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/progress"
)

func intp(v int) *int     { return &v }
func i64p(v int64) *int64 { return &v }

func chunk(idx, count int, loaded, total int64) progress.DownloadEvent {
	return progress.DownloadEvent{
		FileName:    "images/vanilla.iso",
		FileIndex:   intp(idx),
		FileCount:   intp(count),
		LoadedBytes: i64p(loaded),
		TotalBytes:  i64p(total),
	}
}

type timers struct{ fns []func() }

func (tm *timers) schedule(_ time.Duration, fn func()) { tm.fns = append(tm.fns, fn) }

func newController(t *testing.T, opts ...Option) (*Controller, *enginetest.Fake, *timers) {
	t.Helper()
	tm := &timers{}
	c := New("test-session", append([]Option{WithScheduler(tm.schedule)}, opts...)...)
	fake := enginetest.NewFake([]byte("state"))
	require.NoError(t, c.Attach(fake))
	return c, fake, tm
}

func complete(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.OnDownloadEvent(context.Background(), chunk(2, 3, 8638464, 8638464)))
}

func TestRequestPower_BeforeReadyBootsExactlyOnceAfterCompletion(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)

	completed := false
	fake.Hook = func(cmd string) {
		assert.True(t, completed, "engine received %q before downloads completed", cmd)
	}

	require.NoError(t, c.OnDownloadEvent(ctx, chunk(0, 3, 100, 1000)))
	require.NoError(t, c.RequestPower(ctx))
	require.NoError(t, c.OnDownloadEvent(ctx, chunk(1, 3, 1000, 1000)))
	assert.Empty(t, fake.Commands())
	assert.Equal(t, PhaseIdle, c.State().Phase)
	assert.True(t, c.State().PowerRequested)

	completed = true
	complete(t, c)
	require.NoError(t, c.OnDownloadEvent(ctx, chunk(2, 3, 8638464, 8638464)))

	assert.Equal(t, []string{engine.CommandRun}, fake.Commands())
	st := c.State()
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.True(t, st.Progress.IsComplete)
}

func TestRequestPower_AfterReadyRunsImmediately(t *testing.T) {
	c, fake, _ := newController(t)
	complete(t, c)
	assert.Equal(t, PhaseReady, c.State().Phase)
	assert.Empty(t, fake.Commands())

	require.NoError(t, c.RequestPower(context.Background()))

	assert.Equal(t, []string{engine.CommandRun}, fake.Commands())
	assert.Equal(t, PhaseRunning, c.State().Phase)
}

func TestRequestPower_WhileRunningRestarts(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)
	complete(t, c)
	require.NoError(t, c.RequestPower(ctx))

	require.NoError(t, c.RequestPower(ctx))

	assert.Equal(t, []string{engine.CommandRun, engine.CommandStop, engine.CommandRestart}, fake.Commands())
	assert.True(t, fake.Running())
}

func TestRequestPower_AutostartedEngineRestarts(t *testing.T) {
	c, fake, _ := newController(t, WithAutostart(true))
	fake.SetRunning(true)
	complete(t, c)
	assert.Equal(t, PhaseRunning, c.State().Phase)

	require.NoError(t, c.RequestPower(context.Background()))
	assert.Equal(t, []string{engine.CommandStop, engine.CommandRestart}, fake.Commands())
}

func TestTogglePause_PairRestoresOriginalState(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)
	complete(t, c)
	require.NoError(t, c.RequestPower(ctx))

	before := c.State()
	wasRunning := fake.Running()

	require.NoError(t, c.TogglePause(ctx))
	mid := c.State()
	assert.True(t, mid.IsPaused)
	assert.Equal(t, PhasePaused, mid.Phase)
	assert.False(t, fake.Running(), "engine reports stopped while paused")

	require.NoError(t, c.TogglePause(ctx))
	after := c.State()

	assert.Equal(t, before.IsPaused, after.IsPaused)
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, wasRunning, fake.Running())
	assert.Equal(t, []string{engine.CommandRun, engine.CommandStop, engine.CommandRun}, fake.Commands())
}

func TestTogglePause_BeforeReadyIsNoop(t *testing.T) {
	c, fake, _ := newController(t)

	require.NoError(t, c.TogglePause(context.Background()))
	require.NoError(t, c.Reset(context.Background()))

	assert.Empty(t, fake.Commands())
	assert.False(t, c.State().IsPaused)
}

func TestReset_KeepsPauseFlag(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)
	complete(t, c)
	require.NoError(t, c.RequestPower(ctx))
	require.NoError(t, c.TogglePause(ctx))

	require.NoError(t, c.Reset(ctx))

	assert.True(t, c.State().IsPaused)
	assert.Equal(t, engine.CommandRestart, fake.Commands()[len(fake.Commands())-1])
}

func TestOperationsWithoutEngine(t *testing.T) {
	ctx := context.Background()
	c := New("no-engine", WithScheduler((&timers{}).schedule))

	_, err := c.Engine()
	assert.True(t, errors.Is(err, errors.ErrNoEngine))

	require.NoError(t, c.RequestPower(ctx), "latching needs no engine")
	err = c.OnDownloadEvent(ctx, chunk(0, 1, 10, 10))
	assert.True(t, errors.Is(err, errors.ErrNoEngine))
	assert.True(t, errors.Is(c.TogglePause(ctx), errors.ErrNoEngine))
	assert.True(t, errors.Is(c.Reset(ctx), errors.ErrNoEngine))
	assert.True(t, errors.Is(c.Suspend(ctx), errors.ErrNoEngine))
}

func TestAttach_OnlyOnce(t *testing.T) {
	c, _, _ := newController(t)
	err := c.Attach(enginetest.NewFake(nil))
	assert.True(t, errors.Is(err, errors.ErrEngineAttached))
}

func TestSuspend_RefusedBeforeReady(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)
	require.NoError(t, c.OnDownloadEvent(ctx, chunk(0, 3, 100, 1000)))

	assert.False(t, c.Ready())
	assert.True(t, errors.Is(c.Suspend(ctx), errors.ErrNotReady))
	require.NoError(t, c.Unsuspend(ctx))
	assert.Empty(t, fake.Commands(), "nothing reaches the engine while assets load")

	st := c.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Restoring)

	complete(t, c)
	assert.True(t, c.Ready())
	require.NoError(t, c.Suspend(ctx))
	assert.Equal(t, []string{engine.CommandStop}, fake.Commands())
}

func TestSuspend_BlocksPowerUntilUnsuspend(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)
	complete(t, c)
	require.NoError(t, c.RequestPower(ctx))
	require.NoError(t, c.TogglePause(ctx))

	require.NoError(t, c.Suspend(ctx))
	assert.True(t, c.State().Restoring)
	assert.False(t, fake.Running())

	assert.True(t, errors.Is(c.TogglePause(ctx), errors.ErrRestoreInProgress))
	assert.True(t, errors.Is(c.Reset(ctx), errors.ErrRestoreInProgress))
	assert.True(t, errors.Is(c.RequestPower(ctx), errors.ErrRestoreInProgress))
	assert.True(t, errors.Is(c.Suspend(ctx), errors.ErrSnapshotBusy))
	assert.False(t, fake.Running(), "nothing may run the engine while suspended")

	require.NoError(t, c.Unsuspend(ctx))
	st := c.State()
	assert.False(t, st.Restoring)
	assert.False(t, st.IsPaused)
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.True(t, fake.Running())

	require.NoError(t, c.Unsuspend(ctx), "unsuspend is idempotent")
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t)

	var got []State
	unsubscribe := c.Subscribe(func(s State) { got = append(got, s) })

	complete(t, c)
	require.NoError(t, c.RequestPower(ctx))
	require.Len(t, got, 2)
	assert.Equal(t, PhaseReady, got[0].Phase)
	assert.Equal(t, PhaseRunning, got[1].Phase)

	unsubscribe()
	require.NoError(t, c.TogglePause(ctx))
	assert.Len(t, got, 2)
}

func TestCompletionMessageClearPublishes(t *testing.T) {
	c, _, tm := newController(t)

	var last State
	c.Subscribe(func(s State) { last = s })

	complete(t, c)
	assert.Equal(t, progress.StatusComplete, last.Progress.StatusText)
	require.Len(t, tm.fns, 1)

	tm.fns[0]()
	assert.Empty(t, last.Progress.StatusText)
	assert.True(t, last.Progress.IsComplete)
	assert.Equal(t, PhaseReady, last.Phase)
}

func TestOnDownloadError_KeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newController(t)

	c.OnDownloadError(progress.DownloadEvent{FileName: "images/vanilla.iso"})
	st := c.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Contains(t, st.Progress.StatusText, "vanilla.iso")

	require.NoError(t, c.RequestPower(ctx))
	complete(t, c)
	assert.Equal(t, []string{engine.CommandRun}, fake.Commands())
}
