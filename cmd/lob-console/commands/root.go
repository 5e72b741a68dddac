package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lob-engine/console/internal/config"
	"github.com/lob-engine/console/pkg/errors"
)

var rootCmd = &cobra.Command{
	Use:   "lob-console",
	Short: "LOB console - browser console for the v86 engine",
	Long:  `Serves v86 console sessions, drives their power and capture controls, and saves and restores machine snapshots.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment variables win
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		return setupLogger(cfg.LogLevel, cfg.LogFormat)
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/snapshots.db", "SQLite snapshot catalog path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	rootCmd.PersistentFlags().String("work-dir", ".artifacts/work", "Working directory (local snapshot store root)")
	rootCmd.PersistentFlags().String("snapshot-store", "local", "Snapshot store backend: local or s3")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().Int64("max-snapshot-size", 512*1024*1024, "Max snapshot size in bytes")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max compression ratio of uploaded snapshots")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "snapshot-store", "s3-bucket", "s3-region",
		"max-snapshot-size", "max-compression-ratio", "log-level", "log-format",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
