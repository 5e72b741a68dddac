package fsm

import (
	"context"

	"github.com/lob-engine/console/pkg/engine"
)

// Host is the session side of a snapshot workflow: the engine handle plus
// the suspend/unsuspend pair that fences a restore.
type Host interface {
	Engine() (engine.Engine, error)
	Ready() bool
	Suspend(ctx context.Context) error
	Unsuspend(ctx context.Context) error
}

// HostLookup finds the live host for a session id.
type HostLookup func(sessionID string) (Host, error)

// SaveRequest is the save FSM input
type SaveRequest struct {
	SnapshotID string
	SessionID  string
	StorageKey string
}

// SaveResponse is the save FSM output (accumulated across transitions)
type SaveResponse struct {
	// From Capture
	RawSize    int64
	StoredSize int64
	SHA256     string
	Compressed bool

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// RestoreRequest is the restore FSM input. The upload is already staged in
// the blob store under StorageKey.
type RestoreRequest struct {
	SnapshotID string
	SessionID  string
	StorageKey string
}

// RestoreResponse is the restore FSM output (accumulated across transitions)
type RestoreResponse struct {
	// From Halt
	Halted bool

	// From Load
	RawSize    int64
	Compressed bool

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// Workflow names
const (
	WorkflowSave    = "snapshot-save"
	WorkflowRestore = "snapshot-restore"
)

// State names
const (
	StateCapture  = "capture"
	StateRecord   = "record"
	StateHalt     = "halt"
	StateLoad     = "load"
	StateResume   = "resume"
	StateComplete = "complete"
	StateFailed   = "failed"
)
