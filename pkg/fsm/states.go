package fsm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/superfly/fsm"

	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/metrics"
	"github.com/lob-engine/console/pkg/security"
	"github.com/lob-engine/console/pkg/storage"
)

// Config tunes the workflows.
type Config struct {
	Compress       bool
	CommandTimeout time.Duration
	SaveTimeout    time.Duration
	MaxRetries     int
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo      *db.Repository
	store     storage.Store
	validator *security.Validator
	hosts     HostLookup
	cfg       Config
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	repo *db.Repository,
	store storage.Store,
	validator *security.Validator,
	hosts HostLookup,
	cfg Config,
) *Machine {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Machine{
		repo:      repo,
		store:     store,
		validator: validator,
		hosts:     hosts,
		cfg:       cfg,
	}
}

// abort marks an error as terminal: the workflow stops instead of retrying.
type abort struct{ err error }

func (a *abort) Error() string { return a.err.Error() }
func (a *abort) Unwrap() error { return a.err }

func terminal(err error) error { return &abort{err: err} }

func isTerminal(err error) bool {
	var a *abort
	return errors.As(err, &a)
}

func failureOf(err error) string {
	switch {
	case errors.Is(err, security.ErrRejected):
		return db.FailureRejected
	case errors.Is(err, errors.ErrNoEngine), errors.Is(err, errors.ErrSessionNotFound):
		return db.FailureNoEngine
	case errors.Is(err, errors.ErrNotReady):
		return db.FailureNotReady
	default:
		return db.FailureInternal
	}
}

// fail records a terminal failure in the catalog and returns it as terminal.
func (m *Machine) fail(ctx context.Context, snapshotID string, err error) error {
	if ferr := m.repo.Fail(context.WithoutCancel(ctx), snapshotID, failureOf(err), err.Error()); ferr != nil {
		slog.Error("snapshot_fail_record_failed", "snapshot_id", snapshotID, "error", ferr)
	}
	return terminal(err)
}

// capture asks the engine for its state and stores it
func (m *Machine) capture(ctx context.Context, req *SaveRequest, resp *SaveResponse) error {
	slog.Info("fsm_state_capture", "snapshot_id", req.SnapshotID, "session_id", req.SessionID)

	if err := m.repo.UpdateStatus(ctx, req.SnapshotID, db.StatusCapturing); err != nil {
		return errors.Wrap(err, "failed to update status")
	}

	host, err := m.hosts(req.SessionID)
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}
	eng, err := host.Engine()
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.SaveTimeout)
	state, err := eng.SaveState(cctx)
	cancel()
	if err != nil {
		slog.Error("engine_save_state_failed", "snapshot_id", req.SnapshotID, "error", err)
		return m.fail(ctx, req.SnapshotID, errors.Wrap(err, "save state"))
	}
	if len(state) == 0 {
		return m.fail(ctx, req.SnapshotID, fmt.Errorf("engine returned an empty state"))
	}
	if err := m.validator.ValidateSize(int64(len(state))); err != nil {
		slog.Warn("snapshot_state_too_large", "snapshot_id", req.SnapshotID, "size", len(state), "max_size", m.validator.MaxSize())
		return m.fail(ctx, req.SnapshotID, err)
	}
	metrics.SnapshotBytes.Observe(float64(len(state)))

	payload, err := Encode(state, m.cfg.Compress)
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}

	result, err := m.store.Put(ctx, req.StorageKey, bytes.NewReader(payload))
	if err != nil {
		slog.Error("snapshot_store_failed", "snapshot_id", req.SnapshotID, "storage_key", req.StorageKey, "error", err)
		return errors.Wrap(err, "failed to store snapshot")
	}

	resp.RawSize = int64(len(state))
	resp.StoredSize = result.Size
	resp.SHA256 = result.SHA256
	resp.Compressed = m.cfg.Compress

	slog.Info("snapshot_captured",
		"snapshot_id", req.SnapshotID,
		"raw_size", resp.RawSize,
		"stored_size", resp.StoredSize,
		"compressed", resp.Compressed)
	return nil
}

// record writes the stored blob's metadata to the catalog
func (m *Machine) record(ctx context.Context, req *SaveRequest, resp *SaveResponse) error {
	slog.Info("fsm_state_record", "snapshot_id", req.SnapshotID)

	snap, err := m.repo.Get(ctx, req.SnapshotID)
	if err != nil {
		return errors.Wrap(err, "failed to load snapshot")
	}
	if snap == nil {
		return terminal(fmt.Errorf("snapshot %s not found in catalog", req.SnapshotID))
	}

	snap.Size = resp.RawSize
	snap.SHA256 = resp.SHA256
	snap.Compressed = resp.Compressed
	if err := m.repo.Update(ctx, snap); err != nil {
		return errors.Wrap(err, "failed to update snapshot")
	}
	return nil
}

// completeSave marks the snapshot downloadable
func (m *Machine) completeSave(ctx context.Context, req *SaveRequest, resp *SaveResponse) error {
	if err := m.repo.UpdateStatus(ctx, req.SnapshotID, db.StatusReady); err != nil {
		return errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusReady
	metrics.SnapshotOperations.WithLabelValues(db.KindSave, metrics.ResultOK).Inc()
	slog.Info("fsm_complete", "workflow", WorkflowSave, "snapshot_id", req.SnapshotID, "status", db.StatusReady)
	return nil
}

// abortSave runs when the save workflow gives up
func (m *Machine) abortSave(ctx context.Context, req *SaveRequest, resp *SaveResponse, err error) {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if !isTerminal(err) {
		m.fail(ctx, req.SnapshotID, err)
	}
	metrics.SnapshotOperations.WithLabelValues(db.KindSave, metrics.ResultError).Inc()
}

// halt stops the engine so nothing runs while the new state is decoded
func (m *Machine) halt(ctx context.Context, req *RestoreRequest, resp *RestoreResponse) error {
	slog.Info("fsm_state_halt", "snapshot_id", req.SnapshotID, "session_id", req.SessionID)

	if resp.Halted {
		return nil
	}
	if err := m.repo.UpdateStatus(ctx, req.SnapshotID, db.StatusRestoring); err != nil {
		return errors.Wrap(err, "failed to update status")
	}

	host, err := m.hosts(req.SessionID)
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	err = host.Suspend(cctx)
	cancel()
	if err != nil {
		slog.Error("engine_suspend_failed", "snapshot_id", req.SnapshotID, "error", err)
		return m.fail(ctx, req.SnapshotID, err)
	}

	resp.Halted = true
	return nil
}

// load decodes the staged upload and hands it to the engine
func (m *Machine) load(ctx context.Context, req *RestoreRequest, resp *RestoreResponse) error {
	slog.Info("fsm_state_load", "snapshot_id", req.SnapshotID, "storage_key", req.StorageKey)

	rc, err := m.store.Open(ctx, req.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return m.fail(ctx, req.SnapshotID, err)
	}
	if err != nil {
		return errors.Wrap(err, "failed to open staged upload")
	}
	state, compressed, err := Decode(rc, m.validator)
	rc.Close()
	if err != nil {
		slog.Error("snapshot_decode_failed", "snapshot_id", req.SnapshotID, "error", err)
		return m.fail(ctx, req.SnapshotID, err)
	}
	metrics.SnapshotBytes.Observe(float64(len(state)))

	host, err := m.hosts(req.SessionID)
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}
	eng, err := host.Engine()
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.SaveTimeout)
	err = eng.RestoreState(cctx, state)
	cancel()
	if err != nil {
		slog.Error("engine_restore_state_failed", "snapshot_id", req.SnapshotID, "error", err)
		return m.fail(ctx, req.SnapshotID, errors.Wrap(err, "restore state"))
	}

	resp.RawSize = int64(len(state))
	resp.Compressed = compressed

	snap, err := m.repo.Get(ctx, req.SnapshotID)
	if err == nil && snap != nil {
		snap.Size = resp.RawSize
		snap.Compressed = compressed
		if err := m.repo.Update(ctx, snap); err != nil {
			slog.Warn("snapshot_metadata_update_failed", "snapshot_id", req.SnapshotID, "error", err)
		}
	}

	slog.Info("snapshot_loaded", "snapshot_id", req.SnapshotID, "raw_size", resp.RawSize, "compressed", compressed)
	return nil
}

// resume runs the engine again
func (m *Machine) resume(ctx context.Context, req *RestoreRequest, resp *RestoreResponse) error {
	slog.Info("fsm_state_resume", "snapshot_id", req.SnapshotID)

	host, err := m.hosts(req.SessionID)
	if err != nil {
		return m.fail(ctx, req.SnapshotID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	err = host.Unsuspend(cctx)
	cancel()
	resp.Halted = false
	if err != nil {
		slog.Error("engine_resume_failed", "snapshot_id", req.SnapshotID, "error", err)
		return m.fail(ctx, req.SnapshotID, errors.Wrap(err, "resume after restore"))
	}
	return nil
}

// completeRestore marks the restore done
func (m *Machine) completeRestore(ctx context.Context, req *RestoreRequest, resp *RestoreResponse) error {
	if err := m.repo.UpdateStatus(ctx, req.SnapshotID, db.StatusReady); err != nil {
		return errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusReady
	metrics.SnapshotOperations.WithLabelValues(db.KindRestore, metrics.ResultOK).Inc()
	slog.Info("fsm_complete", "workflow", WorkflowRestore, "snapshot_id", req.SnapshotID, "status", db.StatusReady)
	return nil
}

// abortRestore runs when the restore workflow gives up. A halted engine is
// always resumed so a failed restore leaves the previous machine running.
func (m *Machine) abortRestore(ctx context.Context, req *RestoreRequest, resp *RestoreResponse, err error) {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if !isTerminal(err) {
		m.fail(ctx, req.SnapshotID, err)
	}
	metrics.SnapshotOperations.WithLabelValues(db.KindRestore, metrics.ResultError).Inc()

	if !resp.Halted {
		return
	}
	host, herr := m.hosts(req.SessionID)
	if herr != nil {
		slog.Error("restore_resume_host_missing", "snapshot_id", req.SnapshotID, "error", herr)
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CommandTimeout)
	defer cancel()
	if uerr := host.Unsuspend(cctx); uerr != nil {
		slog.Error("restore_resume_failed", "snapshot_id", req.SnapshotID, "error", uerr)
	}
	resp.Halted = false
}

// transition adapts a step to an fsm transition: the retry guard first, then
// the step, with terminal errors turned into fsm.Abort.
func transition[Req, Resp any](
	m *Machine,
	step func(context.Context, *Req, *Resp) error,
	onAbort func(context.Context, *Req, *Resp, error),
) func(context.Context, *fsm.Request[Req, Resp]) (*fsm.Response[Resp], error) {
	return func(ctx context.Context, req *fsm.Request[Req, Resp]) (*fsm.Response[Resp], error) {
		resp := req.W.Msg
		if resp == nil {
			resp = new(Resp)
		}

		// Check retry limit
		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.cfg.MaxRetries) {
			err := fmt.Errorf("max retries (%d) exceeded", m.cfg.MaxRetries)
			slog.Error("max_retries_exceeded", "max_retries", m.cfg.MaxRetries)
			onAbort(ctx, req.Msg, resp, err)
			return nil, fsm.Abort(err)
		}

		if err := step(ctx, req.Msg, resp); err != nil {
			if isTerminal(err) {
				onAbort(ctx, req.Msg, resp, err)
				return nil, fsm.Abort(err)
			}
			return nil, err
		}
		return fsm.NewResponse(resp), nil
	}
}
