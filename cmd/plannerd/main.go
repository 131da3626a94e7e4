package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/weekplan/internal/config"
	"gitea.jw6.us/james/weekplan/internal/conflict"
	"gitea.jw6.us/james/weekplan/internal/connectivity"
	httpserver "gitea.jw6.us/james/weekplan/internal/http"
	"gitea.jw6.us/james/weekplan/internal/migrations"
	"gitea.jw6.us/james/weekplan/internal/planner"
	"gitea.jw6.us/james/weekplan/internal/snapshot"
	"gitea.jw6.us/james/weekplan/internal/store"
	"gitea.jw6.us/james/weekplan/internal/syncer"
	"gitea.jw6.us/james/weekplan/internal/validate"
)

func main() {
	log.Println("Starting Weekplan daemon...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		log.Fatalf("failed to parse conflict strategy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)

	monitor := connectivity.NewProbeMonitor(stor.HealthCheck, cfg.ProbeInterval)
	defer monitor.Close()

	var snap *snapshot.Store
	if cfg.SnapshotPath != "" {
		snap = snapshot.Open(cfg.SnapshotPath, nil)
	}

	pl, err := planner.New(planner.Config{
		Events:    stor.Events,
		Tasks:     stor.Tasks,
		Validator: validate.New(),
		Snapshot:  snap,
		Monitor:   monitor,
		Sync: syncer.Options{
			Timeout:       cfg.Sync.Timeout,
			BatchSize:     cfg.Sync.BatchSize,
			RetryAttempts: cfg.Sync.Retries,
			Strategy:      strategy,
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize planner: %v", err)
	}
	defer pl.Close()

	pl.Sync().AddListener(logListener{})

	if cfg.Sync.Cron != "" {
		if err := pl.Sync().EnableAutoSync(cfg.Sync.Cron, cfg.Sync.UserID); err != nil {
			log.Fatalf("failed to schedule auto-sync: %v", err)
		}
		log.Printf("auto-sync scheduled: %s", cfg.Sync.Cron)
	}

	// Catch up with the server before serving requests; offline is fine, the
	// snapshot state stands until connectivity returns.
	if ok := pl.SyncWithDatabase(ctx, cfg.Sync.UserID); !ok {
		log.Printf("[WARN] initial sync skipped: %v", pl.Err())
	}

	r := httpserver.NewRouter(cfg, stor, pl)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// logListener records the sync lifecycle in the daemon log.
type logListener struct{}

func (logListener) OnSyncStart(userID string) {
	log.Printf("[INFO] sync started for %s", userID)
}

func (logListener) OnSyncComplete(userID string, res *syncer.Result) {
	log.Printf("[INFO] sync complete for %s: pushed=%d pulled=%d conflicts=%d", userID, res.Pushed, res.Pulled, res.Conflicts)
}

func (logListener) OnSyncError(userID string, err error) {
	log.Printf("[ERROR] sync failed for %s: %v", userID, err)
}
