// Package fsm implements the snapshot save and restore workflows on top of
// the superfly/fsm library. Each workflow step updates the snapshot catalog,
// so callers read the outcome from the catalog row once a run finishes.
package fsm

import (
	"context"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/lob-engine/console/pkg/errors"
)

// Runner executes the snapshot workflows to completion.
type Runner interface {
	Save(ctx context.Context, req *SaveRequest) error
	Restore(ctx context.Context, req *RestoreRequest) error
}

// Workflows runs the registered FSMs on a persistent manager.
type Workflows struct {
	manager *fsm.Manager
	save    fsm.Start[SaveRequest, SaveResponse]
	restore fsm.Start[RestoreRequest, RestoreResponse]
}

// Register registers the save and restore FSMs
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (*Workflows, error) {
	save, _, err := fsm.Register[SaveRequest, SaveResponse](manager, WorkflowSave).
		Start(StateCapture, transition(m, m.capture, m.abortSave)).
		To(StateRecord, transition(m, m.record, m.abortSave)).
		To(StateComplete, transition(m, m.completeSave, m.abortSave)).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register save FSM")
	}

	restore, _, err := fsm.Register[RestoreRequest, RestoreResponse](manager, WorkflowRestore).
		Start(StateHalt, transition(m, m.halt, m.abortRestore)).
		To(StateLoad, transition(m, m.load, m.abortRestore)).
		To(StateResume, transition(m, m.resume, m.abortRestore)).
		To(StateComplete, transition(m, m.completeRestore, m.abortRestore)).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register restore FSM")
	}

	return &Workflows{manager: manager, save: save, restore: restore}, nil
}

// Save starts a save run and waits for it to finish
func (w *Workflows) Save(ctx context.Context, req *SaveRequest) error {
	version, err := w.save(ctx, req.SnapshotID, fsm.NewRequest(req, &SaveResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "workflow", WorkflowSave, "snapshot_id", req.SnapshotID, "version", version)

	if err := w.manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}
	return nil
}

// Restore starts a restore run and waits for it to finish
func (w *Workflows) Restore(ctx context.Context, req *RestoreRequest) error {
	version, err := w.restore(ctx, req.SnapshotID, fsm.NewRequest(req, &RestoreResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "workflow", WorkflowRestore, "snapshot_id", req.SnapshotID, "version", version)

	if err := w.manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}
	return nil
}
