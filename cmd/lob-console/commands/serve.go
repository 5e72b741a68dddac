package commands

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/lob-engine/console/internal/config"
	"github.com/lob-engine/console/pkg/console"
	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/errors"
	appfsm "github.com/lob-engine/console/pkg/fsm"
	"github.com/lob-engine/console/pkg/profile"
	"github.com/lob-engine/console/pkg/security"
	"github.com/lob-engine/console/pkg/server"
	"github.com/lob-engine/console/pkg/snapshot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve console sessions over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("static-dir", "", "Directory with the console page and engine assets")
	serveCmd.Flags().String("asset-base-url", "./", "Base URL for BIOS, CD-ROM and wasm assets")
	serveCmd.Flags().String("network-relay-url", profile.DefaultRelayURL, "Default network relay URL")
	serveCmd.Flags().StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	serveCmd.Flags().Bool("snapshot-compress", true, "Gzip saved snapshots")
	serveCmd.Flags().Duration("command-timeout", 10*time.Second, "Engine command timeout")
	serveCmd.Flags().Duration("save-timeout", time.Minute, "Snapshot save/restore timeout")
	serveCmd.Flags().Duration("session-idle-timeout", 10*time.Minute, "Drop sessions whose engine never connects")
	serveCmd.Flags().Int("fsm-max-retries", 3, "Attempts per workflow step")

	for _, name := range []string{
		"listen-addr", "static-dir", "asset-base-url", "network-relay-url", "cors-origins",
		"snapshot-compress", "command-timeout", "save-timeout", "session-idle-timeout", "fsm-max-retries",
	} {
		viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	validator := security.NewValidator(cfg.MaxSnapshotSize, cfg.MaxCompressionRatio)
	store, err := openStore(ctx, cfg, validator)
	if err != nil {
		return err
	}

	resolver := profile.NewResolver(cfg.AssetBaseURL, cfg.NetworkRelayURL)
	registry := console.NewRegistry(resolver, cfg.CommandTimeout, slog.Default())

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, store, validator, registry.Host, appfsm.Config{
		Compress:       cfg.SnapshotCompress,
		CommandTimeout: cfg.CommandTimeout,
		SaveTimeout:    cfg.SaveTimeout,
		MaxRetries:     cfg.FSMMaxRetries,
	})
	workflows, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	snapshots := snapshot.NewManager(repo, store, workflows, registry.Host, validator,
		snapshot.WithLogger(slog.Default()))

	srv := server.New(registry, snapshots, resolver, server.Options{
		CORSOrigins:    cfg.CORSOrigins,
		StaticDir:      cfg.StaticDir,
		CommandTimeout: cfg.CommandTimeout,
		SaveTimeout:    cfg.SaveTimeout,
		MaxFrameSize:   engine.FrameLimit(cfg.MaxSnapshotSize),
	}, slog.Default())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Engine sockets outlive ServeHTTP; tie them to the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server_listening",
			"addr", cfg.ListenAddr,
			"snapshot_store", cfg.SnapshotStore,
			"sqlite_path", cfg.SQLitePath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen failed")
		}
		return nil
	})

	g.Go(func() error {
		if cfg.SessionIdleTimeout <= 0 {
			return nil
		}
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				registry.Sweep(now, cfg.SessionIdleTimeout)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("server_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
