package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/lob-engine/console/pkg/errors"
)

const snapshotColumns = `id, session_id, kind, file_name, storage_key, size, sha256, compressed,
		       status, failure, error_message, created_at, updated_at`

// Repository provides database operations for the snapshot catalog
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Writers are serialized by sqlite anyway; one connection avoids SQLITE_BUSY
	// between concurrent HTTP handlers and workflow steps.
	db.SetMaxOpenConns(1)

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new snapshot record
func (r *Repository) Create(ctx context.Context, s *Snapshot) error {
	slog.Info("database_create_snapshot", "snapshot_id", s.ID, "kind", s.Kind, "status", s.Status)

	query := `
		INSERT INTO snapshots (id, session_id, kind, file_name, storage_key, size, sha256, compressed, status, failure, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.SessionID, s.Kind, s.FileName, s.StorageKey,
		s.Size, s.SHA256, s.Compressed, s.Status, s.Failure, s.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "snapshot_id", s.ID, "error", err)
		return errors.Wrap(err, "failed to insert snapshot")
	}

	return nil
}

// Get retrieves a snapshot by id. A missing row returns nil, nil.
func (r *Repository) Get(ctx context.Context, id string) (*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE id = ?`

	s, err := scanSnapshot(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		slog.Info("database_snapshot_not_found", "snapshot_id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "snapshot_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query snapshot")
	}
	return s, nil
}

// Update updates an existing snapshot record
func (r *Repository) Update(ctx context.Context, s *Snapshot) error {
	slog.Info("database_update_snapshot", "snapshot_id", s.ID, "status", s.Status)

	query := `
		UPDATE snapshots
		SET file_name = ?, storage_key = ?, size = ?, sha256 = ?, compressed = ?,
		    status = ?, failure = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		s.FileName, s.StorageKey, s.Size, s.SHA256, s.Compressed,
		s.Status, s.Failure, s.ErrorMessage, s.ID)
	if err != nil {
		slog.Error("database_update_failed", "snapshot_id", s.ID, "error", err)
		return errors.Wrap(err, "failed to update snapshot")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "snapshot_id", s.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_snapshot_not_found_for_update", "snapshot_id", s.ID)
		return fmt.Errorf("snapshot not found: id=%s", s.ID)
	}

	return nil
}

// UpdateStatus updates only the status field
func (r *Repository) UpdateStatus(ctx context.Context, id, status string) error {
	slog.Info("database_update_status", "snapshot_id", id, "status", status)

	query := `UPDATE snapshots SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		slog.Error("database_status_update_failed", "snapshot_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// Fail marks a snapshot failed with a failure class and message
func (r *Repository) Fail(ctx context.Context, id, failure, message string) error {
	slog.Info("database_mark_failed", "snapshot_id", id, "failure", failure)

	query := `
		UPDATE snapshots
		SET status = ?, failure = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := r.db.ExecContext(ctx, query, StatusFailed, failure, message, id); err != nil {
		slog.Error("database_status_update_failed", "snapshot_id", id, "status", StatusFailed, "error", err)
		return errors.Wrap(err, "failed to mark snapshot failed")
	}
	return nil
}

// List retrieves all snapshots, newest first
func (r *Repository) List(ctx context.Context) ([]*Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY created_at DESC, rowid DESC`)
}

// ListBySession retrieves the snapshots of one session, newest first
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]*Snapshot, error) {
	return r.list(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`,
		sessionID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		snapshots = append(snapshots, s)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	return snapshots, nil
}

// Delete deletes a snapshot by id
func (r *Repository) Delete(ctx context.Context, id string) error {
	slog.Info("database_delete_snapshot", "snapshot_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "snapshot_id", id, "error", err)
		return errors.Wrap(err, "failed to delete snapshot")
	}
	return nil
}

// StorageKeys returns the set of blob keys referenced by the catalog
func (r *Repository) StorageKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT storage_key FROM snapshots`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query storage keys")
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan storage key")
		}
		keys[key] = true
	}
	return keys, errors.Wrap(rows.Err(), "rows error")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var s Snapshot
	var failure, errorMessage sql.NullString

	err := row.Scan(
		&s.ID, &s.SessionID, &s.Kind, &s.FileName, &s.StorageKey,
		&s.Size, &s.SHA256, &s.Compressed,
		&s.Status, &failure, &errorMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	s.Failure = failure.String
	s.ErrorMessage = errorMessage.String
	return &s, nil
}
