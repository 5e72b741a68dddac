package fsm

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"

	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/engine/enginetest"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/progress"
	"github.com/lob-engine/console/pkg/security"
	"github.com/lob-engine/console/pkg/session"
	"github.com/lob-engine/console/pkg/storage"
)

type harness struct {
	repo    *db.Repository
	store   *storage.LocalStore
	machine *Machine
	run     *Workflows
	hosts   map[string]*session.Controller
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	validator := security.NewValidator(1<<20, 50)
	store, err := storage.NewLocalStore(filepath.Join(dir, "blobs"), validator)
	require.NoError(t, err)

	h := &harness{repo: repo, store: store, hosts: map[string]*session.Controller{}}
	h.machine = NewMachine(repo, store, validator, func(id string) (Host, error) {
		c, ok := h.hosts[id]
		if !ok {
			return nil, errors.ErrSessionNotFound
		}
		return c, nil
	}, cfg)

	fsmDir, err := os.MkdirTemp("", "fsm")
	require.NoError(t, err)
	manager, err := fsm.New(fsm.Config{DBPath: fsmDir})
	require.NoError(t, err)
	t.Cleanup(func() {
		manager.Shutdown(5 * time.Second)
		os.RemoveAll(fsmDir)
	})

	h.run, err = h.machine.Register(context.Background(), manager)
	require.NoError(t, err)
	return h
}

// running registers a session whose engine has booted.
func (h *harness) running(t *testing.T, id string, state []byte) *enginetest.Fake {
	t.Helper()
	c := session.New(id, session.WithScheduler(func(time.Duration, func()) {}))
	fake := enginetest.NewFake(state)
	require.NoError(t, c.Attach(fake))

	idx, count := 0, 1
	loaded, total := int64(10), int64(10)
	ctx := context.Background()
	require.NoError(t, c.OnDownloadEvent(ctx, progress.DownloadEvent{
		FileName: "images/vanilla.iso", FileIndex: &idx, FileCount: &count, LoadedBytes: &loaded, TotalBytes: &total,
	}))
	require.NoError(t, c.RequestPower(ctx))

	h.hosts[id] = c
	return fake
}

func (h *harness) row(t *testing.T, kind, sessionID, key string) string {
	t.Helper()
	id := kind + "-" + sessionID
	require.NoError(t, h.repo.Create(context.Background(), &db.Snapshot{
		ID: id, SessionID: sessionID, Kind: kind, FileName: "state.bin", StorageKey: key, Status: db.StatusPending,
	}))
	return id
}

func (h *harness) get(t *testing.T, id string) *db.Snapshot {
	t.Helper()
	s, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (h *harness) stage(t *testing.T, key string, data []byte) {
	t.Helper()
	_, err := h.store.Put(context.Background(), key, bytes.NewReader(data))
	require.NoError(t, err)
}

func TestSave_StoresStateAndMarksReady(t *testing.T) {
	for _, compress := range []bool{false, true} {
		h := newHarness(t, Config{Compress: compress, MaxRetries: 2})
		h.running(t, "s1", []byte("machine state"))
		id := h.row(t, db.KindSave, "s1", "snapshots/save-s1.bin")

		require.NoError(t, h.run.Save(context.Background(), &SaveRequest{
			SnapshotID: id, SessionID: "s1", StorageKey: "snapshots/save-s1.bin",
		}))

		snap := h.get(t, id)
		assert.Equal(t, db.StatusReady, snap.Status)
		assert.Equal(t, int64(len("machine state")), snap.Size)
		assert.Equal(t, compress, snap.Compressed)
		assert.NotEmpty(t, snap.SHA256)

		rc, err := h.store.Open(context.Background(), snap.StorageKey)
		require.NoError(t, err)
		raw, err := Inflate(rc, snap.Compressed)
		require.NoError(t, err)
		got, _ := io.ReadAll(raw)
		raw.Close()
		assert.Equal(t, "machine state", string(got))
	}
}

func TestSave_NoEngine(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.hosts["bare"] = session.New("bare")
	id := h.row(t, db.KindSave, "bare", "snapshots/bare.bin")

	err := h.run.Save(context.Background(), &SaveRequest{SnapshotID: id, SessionID: "bare", StorageKey: "snapshots/bare.bin"})
	require.Error(t, err)

	snap := h.get(t, id)
	assert.Equal(t, db.StatusFailed, snap.Status)
	assert.Equal(t, db.FailureNoEngine, snap.Failure)
}

func TestSave_EngineFailureLeavesNoBlob(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	fake := h.running(t, "s1", []byte("state"))
	fake.SaveErr = errors.New("engine busy")
	id := h.row(t, db.KindSave, "s1", "snapshots/s1.bin")

	err := h.run.Save(context.Background(), &SaveRequest{SnapshotID: id, SessionID: "s1", StorageKey: "snapshots/s1.bin"})
	require.Error(t, err)

	snap := h.get(t, id)
	assert.Equal(t, db.StatusFailed, snap.Status)
	assert.Equal(t, db.FailureInternal, snap.Failure)
	assert.Contains(t, snap.ErrorMessage, "engine busy")

	ok, err := h.store.Exists(context.Background(), "snapshots/s1.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	saves := 0
	for _, c := range fake.Commands() {
		if c == engine.CommandSaveState {
			saves++
		}
	}
	assert.Equal(t, 1, saves, "engine failures are not retried")
}

func TestRestore_StopsLoadsAndResumes(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	fake := h.running(t, "s1", []byte("old state"))

	fake.Hook = func(cmd string) {
		if cmd == engine.CommandRestoreState {
			assert.False(t, fake.Running(), "engine must be stopped while the state loads")
		}
	}

	stored, err := Encode([]byte("new state"), true)
	require.NoError(t, err)
	h.stage(t, "uploads/s1.bin", stored)
	id := h.row(t, db.KindRestore, "s1", "uploads/s1.bin")

	require.NoError(t, h.run.Restore(context.Background(), &RestoreRequest{
		SnapshotID: id, SessionID: "s1", StorageKey: "uploads/s1.bin",
	}))

	assert.Equal(t, "new state", string(fake.State()))
	assert.True(t, fake.Running())
	assert.Equal(t,
		[]string{engine.CommandRun, engine.CommandStop, engine.CommandRestoreState, engine.CommandRun},
		fake.Commands())

	snap := h.get(t, id)
	assert.Equal(t, db.StatusReady, snap.Status)
	assert.True(t, snap.Compressed)
	assert.Equal(t, int64(len("new state")), snap.Size)

	st := h.hosts["s1"].State()
	assert.False(t, st.Restoring)
	assert.Equal(t, session.PhaseRunning, st.Phase)
}

func TestRestore_RejectedUploadResumesPriorState(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	fake := h.running(t, "s1", []byte("old state"))

	h.stage(t, "uploads/bomb.bin", mustEncode(t, make([]byte, 512*1024)))
	id := h.row(t, db.KindRestore, "s1", "uploads/bomb.bin")

	err := h.run.Restore(context.Background(), &RestoreRequest{SnapshotID: id, SessionID: "s1", StorageKey: "uploads/bomb.bin"})
	require.Error(t, err)

	assert.Equal(t, "old state", string(fake.State()))
	assert.True(t, fake.Running())
	assert.NotContains(t, fake.Commands(), engine.CommandRestoreState)
	assert.False(t, h.hosts["s1"].State().Restoring)

	snap := h.get(t, id)
	assert.Equal(t, db.StatusFailed, snap.Status)
	assert.Equal(t, db.FailureRejected, snap.Failure)
}

func TestRestore_EngineFailureStillResumes(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	fake := h.running(t, "s1", []byte("old state"))
	fake.RestoreErr = errors.New("bad state")

	h.stage(t, "uploads/s1.bin", []byte("new state"))
	id := h.row(t, db.KindRestore, "s1", "uploads/s1.bin")

	err := h.run.Restore(context.Background(), &RestoreRequest{SnapshotID: id, SessionID: "s1", StorageKey: "uploads/s1.bin"})
	require.Error(t, err)

	assert.True(t, fake.Running())
	assert.Equal(t, engine.CommandRun, fake.Commands()[len(fake.Commands())-1])
	assert.Equal(t, db.FailureInternal, h.get(t, id).Failure)
}

func TestRestore_UnknownSession(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.stage(t, "uploads/x.bin", []byte("state"))
	id := h.row(t, db.KindRestore, "ghost", "uploads/x.bin")

	err := h.run.Restore(context.Background(), &RestoreRequest{SnapshotID: id, SessionID: "ghost", StorageKey: "uploads/x.bin"})
	require.Error(t, err)
	assert.Equal(t, db.FailureNoEngine, h.get(t, id).Failure)
}

func TestSave_OversizedStateIsRejected(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	h.running(t, "s1", make([]byte, 1<<20+1))
	id := h.row(t, db.KindSave, "s1", "snapshots/s1.bin")

	err := h.run.Save(context.Background(), &SaveRequest{SnapshotID: id, SessionID: "s1", StorageKey: "snapshots/s1.bin"})
	require.Error(t, err)

	snap := h.get(t, id)
	assert.Equal(t, db.StatusFailed, snap.Status)
	assert.Equal(t, db.FailureRejected, snap.Failure)

	ok, err := h.store.Exists(context.Background(), "snapshots/s1.bin")
	require.NoError(t, err)
	assert.False(t, ok, "nothing is stored")
}

func TestRestore_BeforeReadyNeverRunsEngine(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	c := session.New("s1", session.WithScheduler(func(time.Duration, func()) {}))
	fake := enginetest.NewFake([]byte("old state"))
	require.NoError(t, c.Attach(fake))
	h.hosts["s1"] = c

	h.stage(t, "uploads/s1.bin", []byte("new state"))
	id := h.row(t, db.KindRestore, "s1", "uploads/s1.bin")

	err := h.run.Restore(context.Background(), &RestoreRequest{SnapshotID: id, SessionID: "s1", StorageKey: "uploads/s1.bin"})
	require.Error(t, err)

	assert.Empty(t, fake.Commands(), "no command reaches an engine that is still loading")
	assert.False(t, fake.Running())

	st := c.State()
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.False(t, st.Restoring)

	snap := h.get(t, id)
	assert.Equal(t, db.StatusFailed, snap.Status)
	assert.Equal(t, db.FailureNotReady, snap.Failure)
}

func mustEncode(t *testing.T, state []byte) []byte {
	t.Helper()
	out, err := Encode(state, true)
	require.NoError(t, err)
	return out
}
