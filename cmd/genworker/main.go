package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipforge/genqueue/internal/client"
	"github.com/clipforge/genqueue/internal/config"
	"github.com/clipforge/genqueue/internal/logger"
	"github.com/clipforge/genqueue/internal/worker"
)

func main() {
	logger.Init("info", "json")

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.LogLevel, cfg.LogFormat).With("server_id", cfg.ServerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := worker.NewAgent(client.New(cfg.SchedulerURL, cfg.APIKey, cfg.ServerID), worker.Options{
		Command:           cfg.Command,
		MaxConcurrent:     cfg.MaxConcurrent,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		JobTimeout:        cfg.JobTimeout,
		Logger:            log,
	})

	log.Info("genworker starting", "scheduler", cfg.SchedulerURL, "max_concurrent", cfg.MaxConcurrent)
	if err := agent.Run(ctx); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("genworker stopped")
}
