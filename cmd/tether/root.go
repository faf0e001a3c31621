package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/events"
	"github.com/hyperengineering/tether/internal/realtime"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/snapshot"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/syncer"
)

// Version is stamped at build time: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - offline-first sync engine",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 2. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "version", Version)

	// 3. Snapshot bootstrap: a missing local database may be seeded from a
	// compacted snapshot instead of replaying the full change history.
	if err := maybeBootstrap(ctx, cfg); err != nil {
		slog.Warn("snapshot bootstrap skipped", "error", err)
	}

	// 4. Open the local store (runs migrations, enables WAL)
	clk := clock.System{}
	db, err := store.NewSQLiteStore(cfg.Database.Path, clk)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Remote client and credentials
	creds := remote.StaticCredentials{APIKey: cfg.Remote.APIKey}
	client := remote.NewHTTPClient(cfg.Remote.BaseURL, creds, time.Duration(cfg.Remote.Timeout))

	// 6. Change notification bus
	bus := events.NewBus()
	defer bus.Close()

	// 7. Sync orchestrator, one channel per configured entity type
	orch := syncer.New(db, client, creds, syncer.AlwaysOnline{}, clk, bus, syncer.Options{
		BatchSize:              cfg.Sync.BatchSize,
		BackoffBase:            time.Duration(cfg.Sync.BackoffBase),
		BackoffCap:             time.Duration(cfg.Sync.BackoffCap),
		FetchAttempts:          cfg.Sync.FetchAttempts,
		MaxRetries:             cfg.Sync.MaxRetries,
		ResyncFailureThreshold: cfg.Sync.ResyncFailureThreshold,
	})
	for _, entityType := range cfg.Sync.EntityTypes {
		orch.Register(entityType)
	}

	// 8. Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "syncer", orch.Run)

	if cfg.Realtime.Enabled && cfg.Realtime.URL != "" {
		source := realtime.NewWSSource(cfg.Realtime.URL, cfg.Remote.APIKey)
		channel := realtime.NewChannel(db, clk, bus)
		startWorker(ctx, &wg, "realtime-source", source.Run)
		startWorker(ctx, &wg, "realtime-channel", func(ctx context.Context) {
			channel.Run(ctx, source)
		})
	}

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// maybeBootstrap downloads a database snapshot when the local file does not
// exist yet and snapshot storage is configured.
func maybeBootstrap(ctx context.Context, cfg *config.Config) error {
	if _, err := os.Stat(cfg.Database.Path); err == nil {
		return nil
	}

	dl, err := snapshot.NewDownloader(cfg.Snapshot)
	if err != nil {
		return err
	}
	if _, ok := dl.(*snapshot.NoopDownloader); ok {
		return nil
	}

	// The snapshot covers the whole database, keyed under "db".
	const snapshotKey = "db"
	ok, err := dl.Available(ctx, snapshotKey)
	if err != nil || !ok {
		return err
	}

	if err := dl.Download(ctx, snapshotKey, cfg.Database.Path); err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			return nil
		}
		return err
	}
	slog.Info("database bootstrapped from snapshot", "path", cfg.Database.Path)
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
