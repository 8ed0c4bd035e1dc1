package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/imgforge/imgforge/internal/api"
	"github.com/imgforge/imgforge/internal/auth"
	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/db"
	"github.com/imgforge/imgforge/internal/gateway"
	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/progress"
	"github.com/imgforge/imgforge/internal/scan"
	"github.com/imgforge/imgforge/internal/scheduler"
	"github.com/imgforge/imgforge/internal/store"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── Logging (initial — overridden below once config is loaded) ─────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// ── Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("imgforge starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"sources", len(cfg.Sources))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Database ───────────────────────────────────────────────────────────
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	st := store.New(database)

	// Jobs mid-pipeline when the last process exited cannot be resumed;
	// their progress state lived in memory.
	if err := st.MarkStaleJobsFailed(ctx); err != nil {
		slog.Warn("mark stale jobs", "error", err)
	}

	// ── Message channel ────────────────────────────────────────────────────
	ch, err := broker.Dial(ctx, cfg.BrokerURL, "coordinator", pipeline.Queues(),
		cfg.Pipeline.ConnectAttempts,
		time.Duration(cfg.Pipeline.ConnectBackoffMS)*time.Millisecond)
	if err != nil {
		slog.Error("broker connect", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	// ── Progress and live updates ──────────────────────────────────────────
	bus := progress.NewBus()
	pr := progress.NewStore(bus,
		time.Duration(cfg.Pipeline.BroadcastMS)*time.Millisecond,
		time.Duration(cfg.Pipeline.IdleTimeoutS)*time.Second)
	defer pr.Stop()

	gw := gateway.New(bus)
	gw.OnConnect(func(jobID string) {
		// A watcher restarts broadcasting after an idle stop.
		pr.Touch()
		slog.Debug("first subscriber", "job", jobID)
	})

	// ── Pipeline ───────────────────────────────────────────────────────────
	authsvc := auth.NewService(cfg.AuthSecret, 0)
	orc := pipeline.New(st, scan.New(), pr, ch, authsvc, cfg.Pipeline, cfg.MinFileSizeMB)
	defer orc.Close()

	go func() {
		if err := orc.ConsumeResults(ctx, ch); err != nil && ctx.Err() == nil {
			slog.Error("results consumer stopped", "error", err)
			stop()
		}
	}()

	// ── Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New()
	if err := sched.AddJob(cfg.PurgeSchedule, func() {
		n, err := st.PurgeOrphanImages(context.Background())
		if err != nil {
			slog.Error("orphan purge failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("orphan purge", "removed", n)
		}
	}); err != nil {
		slog.Warn("failed to register purge job", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	// ── HTTP server ────────────────────────────────────────────────────────
	srv := api.New(cfg, st, orc, gw, authsvc)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("imgforge stopped")
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
