package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/clipforge/genqueue/internal/api"
	"github.com/clipforge/genqueue/internal/config"
	"github.com/clipforge/genqueue/internal/janitor"
	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/logger"
	"github.com/clipforge/genqueue/internal/metrics"
	"github.com/clipforge/genqueue/internal/scheduler"
	"github.com/clipforge/genqueue/internal/webhook"
)

func main() {
	logger.Init("info", "json")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []scheduler.Option{scheduler.WithRecorder(m)}

	var notifier *webhook.Notifier
	if cfg.CallbackURL != "" {
		notifier, err = webhook.NewNotifier(ctx, cfg.CallbackURL, false)
		if err != nil {
			slog.Error("webhook", "error", err)
			os.Exit(1)
		}
		opts = append(opts, scheduler.WithTerminalHook(notifier.JobTerminal))
	}

	sched := scheduler.New(cfg.Scheduler.Scheduler(), opts...)

	jopts := janitor.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		LivenessInterval: cfg.LivenessInterval,
		ReapInterval:     cfg.ReapInterval,
		ReapTimeout:      cfg.ReapTimeout,
		JobTTL:           cfg.JobTTL,
		PurgeInterval:    cfg.PurgeInterval,
		ArchiveRetention: cfg.ArchiveRetention,
		Observer:         m,
	}

	var archive api.Archive
	if cfg.ArchivePath != "" {
		store, err := job.NewSQLiteArchive(cfg.ArchivePath)
		if err != nil {
			slog.Error("archive", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		archive = store
		jopts.Archive = store
	}

	jn := janitor.New(sched, jopts)
	jn.Start(ctx)

	var limiter *api.RateLimiter
	if cfg.SubmitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.SubmitRPS, cfg.SubmitBurst)
		go limiter.Cleanup(ctx)
	}

	h := api.NewHandler(sched, archive, cfg.ReapTimeout)
	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(h, api.RouterOptions{
			APIKeys:     cfg.APIKeys,
			CORSOrigins: cfg.CORSOrigins,
			Limiter:     limiter,
			Recorder:    m,
			Metrics:     metrics.Handler(reg),
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("genqueue listening",
		"addr", cfg.ListenAddr,
		"archive", cfg.ArchivePath != "",
		"callback", cfg.CallbackURL != "",
		"max_attempts", cfg.Scheduler.MaxAttempts,
	)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Stop the janitor before the archive is closed.
	cancel()
	jn.Wait()
	if notifier != nil {
		notifier.Wait()
	}
}
