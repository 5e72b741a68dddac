package main

import (
	"log/slog"
	"os"

	"github.com/lob-engine/console/cmd/lob-console/commands"
)

func main() {
	// Text logs until the root command applies --log-level and --log-format
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
