package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lob-engine/console/internal/config"
	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/security"
	"github.com/lob-engine/console/pkg/storage"
)

var (
	cleanupFailed   bool
	cleanupSession  string
	cleanupOrphaned bool
	cleanupDryRun   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up snapshot blobs and catalog rows",
	Long: `Clean up snapshot resources:
  --failed           Remove failed snapshots and any blob they left behind
  --session <id>     Remove every snapshot of one session
  --orphaned         Remove blobs not tracked in the catalog`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Clean failed snapshots")
	cleanupCmd.Flags().StringVar(&cleanupSession, "session", "", "Clean snapshots of a session")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned blobs")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only print what would be removed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, security.NewValidator(cfg.MaxSnapshotSize, cfg.MaxCompressionRatio))
	if err != nil {
		return err
	}

	switch {
	case cleanupFailed:
		return cleanupRows(ctx, repo, store, func(s *db.Snapshot) bool { return s.Status == db.StatusFailed })
	case cleanupSession != "":
		return cleanupRows(ctx, repo, store, func(s *db.Snapshot) bool { return s.SessionID == cleanupSession })
	case cleanupOrphaned:
		return cleanupOrphanedBlobs(ctx, repo, store)
	default:
		return fmt.Errorf("must specify --failed, --session, or --orphaned")
	}
}

func cleanupRows(ctx context.Context, repo *db.Repository, store storage.Store, match func(*db.Snapshot) bool) error {
	snaps, err := repo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	var targets []*db.Snapshot
	for _, s := range snaps {
		if match(s) {
			targets = append(targets, s)
		}
	}
	fmt.Printf("Cleaning up %d snapshots...\n", len(targets))

	for _, s := range targets {
		if cleanupDryRun {
			fmt.Printf("Would remove: %s (%s)\n", s.ID, s.StorageKey)
			continue
		}
		if err := removeSnapshot(ctx, repo, store, s); err != nil {
			fmt.Printf("Failed to clean %s: %v\n", s.ID, err)
		} else {
			fmt.Printf("Cleaned: %s\n", s.ID)
		}
	}
	return nil
}

func removeSnapshot(ctx context.Context, repo *db.Repository, store storage.Store, s *db.Snapshot) error {
	if err := store.Delete(ctx, s.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.Wrap(err, "failed to delete blob")
	}
	return repo.Delete(ctx, s.ID)
}

func cleanupOrphanedBlobs(ctx context.Context, repo *db.Repository, store storage.Store) error {
	fmt.Println("Scanning for orphaned blobs...")

	tracked, err := repo.StorageKeys(ctx)
	if err != nil {
		return err
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		return errors.Wrap(err, "failed to list blobs")
	}

	orphanCount := 0
	for _, key := range keys {
		if tracked[key] {
			continue
		}
		if cleanupDryRun {
			fmt.Printf("Would remove orphaned blob: %s\n", key)
			orphanCount++
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			fmt.Printf("Failed to remove orphaned blob %s: %v\n", key, err)
			continue
		}
		fmt.Printf("Removed orphaned blob: %s\n", key)
		orphanCount++
	}

	fmt.Printf("Removed %d orphaned blobs\n", orphanCount)
	return nil
}
