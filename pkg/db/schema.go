package db

// Schema defines the SQLite database schema for the snapshot catalog.
// Every save and restore gets one row, updated as its workflow advances.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('save', 'restore')),
    file_name TEXT NOT NULL,
    storage_key TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    sha256 TEXT NOT NULL DEFAULT '',
    compressed INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('pending', 'capturing', 'restoring', 'ready', 'failed')),
    failure TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_snapshots_session_id ON snapshots(session_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status);
CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at);
`

// Kind constants
const (
	KindSave    = "save"
	KindRestore = "restore"
)

// Status constants
const (
	StatusPending   = "pending"
	StatusCapturing = "capturing"
	StatusRestoring = "restoring"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// Failure constants classify failed rows
const (
	FailureRejected = "rejected"
	FailureNoEngine = "no_engine"
	FailureNotReady = "not_ready"
	FailureInternal = "internal"
)

// Snapshot represents a snapshot catalog record
type Snapshot struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	Kind         string `json:"kind"`
	FileName     string `json:"file_name"`
	StorageKey   string `json:"storage_key"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256,omitempty"`
	Compressed   bool   `json:"compressed"`
	Status       string `json:"status"`
	Failure      string `json:"failure,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}
