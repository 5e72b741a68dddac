// Package snapshot saves and restores machine state for console sessions.
// The Manager guards each session against concurrent snapshot operations,
// records every operation in the catalog and drives the fsm workflows.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/errors"
	appfsm "github.com/lob-engine/console/pkg/fsm"
	"github.com/lob-engine/console/pkg/security"
	"github.com/lob-engine/console/pkg/storage"
)

// Storage key prefixes
const (
	PrefixSaved   = "snapshots/"
	PrefixUploads = "uploads/"
)

// DefaultUploadName names uploads that arrive without a usable file name.
const DefaultUploadName = "upload.bin"

// FileName returns the download name for a snapshot taken at t, with the
// zone offset sign spelled P or N.
func FileName(t time.Time) string {
	_, offset := t.Zone()
	sign := 'P'
	if offset < 0 {
		sign = 'N'
		offset = -offset
	}
	return fmt.Sprintf("v86state-%s%c%02d%02d.bin",
		t.Format("2006-01-02T15-04-05"), sign, offset/3600, offset%3600/60)
}

// OperationError describes a snapshot operation that ran and failed. It
// unwraps to the failure class: security.ErrRejected, errors.ErrNoEngine,
// errors.ErrNotReady or errors.ErrSnapshotFailed.
type OperationError struct {
	Kind       string
	SnapshotID string
	Message    string
	class      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Kind, e.SnapshotID, e.Message)
}

func (e *OperationError) Unwrap() error { return e.class }

// Manager runs save and restore operations.
type Manager struct {
	repo      *db.Repository
	store     storage.Store
	runner    appfsm.Runner
	hosts     appfsm.HostLookup
	validator *security.Validator
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	busy map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for file names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager.
func NewManager(
	repo *db.Repository,
	store storage.Store,
	runner appfsm.Runner,
	hosts appfsm.HostLookup,
	validator *security.Validator,
	opts ...Option,
) *Manager {
	m := &Manager{
		repo:      repo,
		store:     store,
		runner:    runner,
		hosts:     hosts,
		validator: validator,
		now:       time.Now,
		logger:    slog.Default(),
		busy:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "snapshot_manager")
	return m
}

// Busy reports whether a snapshot operation is running for the session.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busy[sessionID]
	return ok
}

func (m *Manager) acquire(sessionID, kind string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if running, ok := m.busy[sessionID]; ok {
		m.logger.Warn("snapshot_rejected_busy", "session_id", sessionID, "kind", kind, "running", running)
		return nil, errors.ErrSnapshotBusy
	}
	m.busy[sessionID] = kind
	return func() {
		m.mu.Lock()
		delete(m.busy, sessionID)
		m.mu.Unlock()
	}, nil
}

// checkEngine fails fast when the session has no engine to talk to.
func (m *Manager) checkEngine(sessionID string) (appfsm.Host, error) {
	host, err := m.hosts(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := host.Engine(); err != nil {
		return nil, err
	}
	return host, nil
}

// run drives a workflow in the background and waits for it or for ctx. When
// ctx ends first the workflow carries on, the session stays busy until it
// finishes, and run returns ErrSnapshotPending. hold is cleared in that case
// so the caller does not release the session early.
func (m *Manager) run(ctx context.Context, id string, hold *func(), fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(context.WithoutCancel(ctx)) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	release := *hold
	*hold = func() {}
	m.logger.Warn("snapshot_caller_gone", "snapshot_id", id, "error", ctx.Err())
	go func() {
		err := <-done
		m.logger.Info("snapshot_settled_in_background", "snapshot_id", id, "error", err)
		release()
	}()
	return errors.Wrap(errors.ErrSnapshotPending, ctx.Err().Error())
}

// Save captures the session's machine state. The returned record is ready
// for Open.
func (m *Manager) Save(ctx context.Context, sessionID string) (*db.Snapshot, error) {
	if _, err := m.checkEngine(sessionID); err != nil {
		return nil, err
	}
	release, err := m.acquire(sessionID, db.KindSave)
	if err != nil {
		return nil, err
	}
	defer func() { release() }()

	id := uuid.NewString()
	snap := &db.Snapshot{
		ID:         id,
		SessionID:  sessionID,
		Kind:       db.KindSave,
		FileName:   FileName(m.now()),
		StorageKey: PrefixSaved + id + ".bin",
		Status:     db.StatusPending,
	}
	if err := m.repo.Create(ctx, snap); err != nil {
		return nil, err
	}
	m.logger.Info("snapshot_save_started", "session_id", sessionID, "snapshot_id", id, "file_name", snap.FileName)

	runErr := m.run(ctx, id, &release, func(ctx context.Context) error {
		return m.runner.Save(ctx, &appfsm.SaveRequest{
			SnapshotID: id,
			SessionID:  sessionID,
			StorageKey: snap.StorageKey,
		})
	})
	return m.outcome(ctx, id, runErr)
}

// Restore stages r and loads it into the session's engine. The engine is
// stopped for the whole decode and load, and runs again afterwards whether
// or not the restore succeeded.
func (m *Manager) Restore(ctx context.Context, sessionID, fileName string, r io.Reader) (*db.Snapshot, error) {
	host, err := m.checkEngine(sessionID)
	if err != nil {
		return nil, err
	}
	if !host.Ready() {
		m.logger.Info("snapshot_restore_not_ready", "session_id", sessionID)
		return nil, errors.ErrNotReady
	}
	release, err := m.acquire(sessionID, db.KindRestore)
	if err != nil {
		return nil, err
	}
	defer func() { release() }()

	id := uuid.NewString()
	key := PrefixUploads + id + ".bin"

	staged, err := m.store.Put(ctx, key, io.LimitReader(r, m.validator.MaxSize()+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to stage upload")
	}
	if err := m.validator.ValidateSize(staged.Size); err != nil {
		m.discard(ctx, key)
		return nil, err
	}

	name := m.validator.SanitizeFileName(fileName)
	if name == "" {
		name = DefaultUploadName
	}
	snap := &db.Snapshot{
		ID:         id,
		SessionID:  sessionID,
		Kind:       db.KindRestore,
		FileName:   name,
		StorageKey: key,
		SHA256:     staged.SHA256,
		Status:     db.StatusPending,
	}
	if err := m.repo.Create(ctx, snap); err != nil {
		m.discard(ctx, key)
		return nil, err
	}
	m.logger.Info("snapshot_restore_started", "session_id", sessionID, "snapshot_id", id, "file_name", name, "upload_size", staged.Size)

	runErr := m.run(ctx, id, &release, func(ctx context.Context) error {
		return m.runner.Restore(ctx, &appfsm.RestoreRequest{
			SnapshotID: id,
			SessionID:  sessionID,
			StorageKey: key,
		})
	})
	return m.outcome(ctx, id, runErr)
}

// outcome reads the finished run from the catalog.
func (m *Manager) outcome(ctx context.Context, id string, runErr error) (*db.Snapshot, error) {
	snap, err := m.repo.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.Wrap(errors.ErrSnapshotNotFound, id)
	}

	switch snap.Status {
	case db.StatusReady:
		m.logger.Info("snapshot_finished", "snapshot_id", id, "kind", snap.Kind, "size", snap.Size)
		return snap, nil
	case db.StatusFailed:
		m.logger.Warn("snapshot_failed", "snapshot_id", id, "kind", snap.Kind, "failure", snap.Failure, "error", snap.ErrorMessage)
		return snap, &OperationError{
			Kind:       snap.Kind,
			SnapshotID: id,
			Message:    snap.ErrorMessage,
			class:      classOf(snap.Failure),
		}
	}

	if errors.Is(runErr, errors.ErrSnapshotPending) {
		m.logger.Info("snapshot_pending", "snapshot_id", id, "kind", snap.Kind, "status", snap.Status)
		return snap, errors.Wrap(runErr, id)
	}
	if runErr == nil {
		runErr = fmt.Errorf("workflow ended with status %s", snap.Status)
	}
	return snap, &OperationError{Kind: snap.Kind, SnapshotID: id, Message: runErr.Error(), class: errors.ErrSnapshotFailed}
}

func classOf(failure string) error {
	switch failure {
	case db.FailureRejected:
		return security.ErrRejected
	case db.FailureNoEngine:
		return errors.ErrNoEngine
	case db.FailureNotReady:
		return errors.ErrNotReady
	default:
		return errors.ErrSnapshotFailed
	}
}

func (m *Manager) discard(ctx context.Context, key string) {
	if err := m.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		m.logger.Warn("snapshot_discard_failed", "storage_key", key, "error", err)
	}
}

// Get returns one catalog record.
func (m *Manager) Get(ctx context.Context, id string) (*db.Snapshot, error) {
	snap, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.Wrap(errors.ErrSnapshotNotFound, id)
	}
	return snap, nil
}

// List returns catalog records, newest first. An empty session id lists
// every session.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*db.Snapshot, error) {
	if sessionID == "" {
		return m.repo.List(ctx)
	}
	return m.repo.ListBySession(ctx, sessionID)
}

// Open streams the raw machine state of a ready snapshot.
func (m *Manager) Open(ctx context.Context, id string) (io.ReadCloser, *db.Snapshot, error) {
	snap, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if snap.Status != db.StatusReady {
		return nil, snap, errors.Wrap(errors.ErrSnapshotNotFound, fmt.Sprintf("%s is %s", id, snap.Status))
	}

	rc, err := m.store.Open(ctx, snap.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, snap, errors.Wrap(errors.ErrSnapshotNotFound, err.Error())
	}
	if err != nil {
		return nil, snap, err
	}
	body, err := appfsm.Inflate(rc, snap.Compressed)
	if err != nil {
		return nil, snap, err
	}
	return body, snap, nil
}
