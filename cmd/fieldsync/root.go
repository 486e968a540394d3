package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/engine"
	"github.com/hyperengineering/fieldsync/internal/index"
	"github.com/hyperengineering/fieldsync/internal/outbox"
	"github.com/hyperengineering/fieldsync/internal/record"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/syncer"
	"github.com/hyperengineering/fieldsync/internal/transport"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline-first voter record sync daemon",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Load persisted state into the in-memory layers
	idx := index.New()
	records := record.NewStore(db, idx)
	queue := outbox.New(db, cfg.Sync.MaxAttempts)
	records.SetPendingChecker(queue)

	persisted, err := db.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	conflicts, err := db.LoadConflicts(ctx)
	if err != nil {
		return fmt.Errorf("load conflicts: %w", err)
	}
	records.Load(persisted, conflicts)

	ops, err := db.LoadPendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	queue.Load(ops)
	slog.Info("state loaded",
		"records", len(persisted),
		"operations", len(ops),
		"conflicts", len(conflicts),
	)

	// 6. Sync coordinator against the upstream server
	upstream := transport.NewClient(cfg.Upstream.URL, cfg.Upstream.APIKey,
		cfg.Device.SourceID, time.Duration(cfg.Upstream.Timeout))
	coordinator := syncer.New(queue, records, upstream, syncer.Config{
		Interval:    time.Duration(cfg.Sync.Interval),
		BatchSize:   cfg.Sync.BatchSize,
		BackoffBase: time.Duration(cfg.Sync.BackoffBase),
		BackoffCap:  time.Duration(cfg.Sync.BackoffCap),
	})

	eng := engine.New(records, queue, idx)
	eng.SetSyncInfo(coordinator)

	// 7. Initialize HTTP router
	handler := api.NewHandler(eng, coordinator, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Worker lifecycle infrastructure
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "syncer", coordinator.Run)

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
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

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
