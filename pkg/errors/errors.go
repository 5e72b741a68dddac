// Package errors provides error wrapping utilities and the sentinel errors
// shared by the console packages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors. Match them with Is.
var (
	// ErrNoEngine is returned when an engine-dependent operation runs before
	// an engine has been attached to the session.
	ErrNoEngine = stderrors.New("no engine instance")

	// ErrNotReady is returned when an operation needs the engine's assets
	// and the download has not completed yet.
	ErrNotReady = stderrors.New("session assets still loading")

	// ErrEngineAttached is returned when a session already owns an engine.
	ErrEngineAttached = stderrors.New("engine already attached")

	// ErrSnapshotBusy is returned when a save or restore is already in flight.
	ErrSnapshotBusy = stderrors.New("snapshot operation already in progress")

	// ErrRestoreInProgress is returned by power operations while a restore
	// holds the engine stopped.
	ErrRestoreInProgress = stderrors.New("restore in progress")

	// ErrUnsupported reports a capture primitive the page does not provide.
	ErrUnsupported = stderrors.New("capability not supported")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = stderrors.New("session not found")

	// ErrSnapshotNotFound is returned for unknown or unfinished snapshots.
	ErrSnapshotNotFound = stderrors.New("snapshot not found")

	// ErrSnapshotFailed is the class of snapshot failures not caused by the
	// caller's input or a missing engine.
	ErrSnapshotFailed = stderrors.New("snapshot operation failed")

	// ErrSnapshotPending is returned when the caller stopped waiting but the
	// workflow is still running. The catalog row reports its outcome later.
	ErrSnapshotPending = stderrors.New("snapshot operation still running")

	// ErrEngineClosed is returned by commands issued after the bridge closed.
	ErrEngineClosed = stderrors.New("engine connection closed")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return stderrors.New(text)
}
