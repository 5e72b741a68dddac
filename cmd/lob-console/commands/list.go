package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lob-engine/console/internal/config"
	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/errors"
)

var listSession string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listSession, "session", "", "Only list snapshots of this session")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := cmd.Context()
	var snaps []*db.Snapshot
	if listSession != "" {
		snaps, err = repo.ListBySession(ctx, listSession)
	} else {
		snaps, err = repo.List(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(snaps) == 0 {
		fmt.Println("No snapshots found")
		return nil
	}

	fmt.Printf("%-36s %-8s %-10s %-10s %-40s %s\n", "ID", "KIND", "STATUS", "SIZE", "FILE", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------")

	for _, s := range snaps {
		size := "-"
		if s.Size > 0 {
			size = humanize.IBytes(uint64(s.Size))
		}
		status := s.Status
		if s.Failure != "" {
			status += "/" + s.Failure
		}
		fmt.Printf("%-36s %-8s %-10s %-10s %-40s %s\n",
			s.ID, s.Kind, status, size, s.FileName, created(s.CreatedAt))
	}

	return nil
}

// created renders a catalog timestamp relative to now
func created(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, ts); err == nil {
			return humanize.Time(t)
		}
	}
	return ts
}
