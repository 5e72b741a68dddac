package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lob-engine/console/internal/config"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/security"
	"github.com/lob-engine/console/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM database directory (only needed for serve)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// openStore returns the snapshot blob store selected by snapshot-store
func openStore(ctx context.Context, cfg *config.Config, validator *security.Validator) (storage.Store, error) {
	switch cfg.SnapshotStore {
	case storage.BackendS3:
		client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		return client, nil
	default:
		store, err := storage.NewLocalStore(filepath.Join(cfg.WorkDir, "snapshots"), validator)
		if err != nil {
			return nil, errors.Wrap(err, "local store failed")
		}
		return store, nil
	}
}

// setupLogger replaces the default logger
func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log-level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "", "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("invalid log-format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
