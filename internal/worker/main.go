package worker

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/store"
)

// Main is the shared entrypoint for the stage worker binaries. The broker
// identity is the stage name; the coordinator routes results by it.
func Main(stage store.Stage, fn StageFunc) {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queues := []string{pipeline.StageQueue(stage), pipeline.ResultsQueue}
	ch, err := broker.Dial(ctx, cfg.BrokerURL, string(stage), queues,
		cfg.Pipeline.ConnectAttempts,
		time.Duration(cfg.Pipeline.ConnectBackoffMS)*time.Millisecond)
	if err != nil {
		slog.Error("broker connect", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	w := New(stage, fn, ch, cfg.Pipeline.WorkerConcurrency)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker stopped", "stage", stage, "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped", "stage", stage)
}

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
