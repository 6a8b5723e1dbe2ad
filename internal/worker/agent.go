// Package worker runs on a generation server: it registers with the
// scheduler, keeps up to max_concurrent jobs in flight by polling for work,
// runs the external generation command per job and reports the outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clipforge/genqueue/internal/client"
	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
)

const reportTimeout = 30 * time.Second

// Scheduler is the slice of the scheduler API the agent needs.
type Scheduler interface {
	Register(ctx context.Context, maxConcurrent int) (fleet.ServerState, error)
	Heartbeat(ctx context.Context) error
	Next(ctx context.Context) (*job.Job, error)
	ReportSuccess(ctx context.Context, jobID, resultRef string) error
	ReportFailure(ctx context.Context, jobID, detail string) error
}

type Options struct {
	Command           string
	MaxConcurrent     int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	Logger            *slog.Logger
}

// Agent is one worker server's connection to the scheduler.
type Agent struct {
	api   Scheduler
	opts  Options
	log   *slog.Logger
	limit *rate.Limiter
	slots chan struct{}
	wg    sync.WaitGroup
	run   func(ctx context.Context, command string, j *job.Job, onProgress ProgressFunc) (string, error)
}

func NewAgent(api Scheduler, opts Options) *Agent {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		api:   api,
		opts:  opts,
		log:   opts.Logger,
		limit: rate.NewLimiter(rate.Every(opts.PollInterval), opts.MaxConcurrent),
		slots: make(chan struct{}, opts.MaxConcurrent),
		run:   Run,
	}
}

// Run registers and processes jobs until ctx is done, then waits for
// in-flight jobs to be reported.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer a.wg.Wait()
	defer cancel()

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case a.slots <- struct{}{}:
		}
		if err := a.limit.Wait(ctx); err != nil {
			<-a.slots
			return nil
		}

		j, err := a.api.Next(ctx)
		switch {
		case err == nil:
			a.wg.Add(1)
			go a.execute(ctx, j)
			continue
		case errors.Is(err, client.ErrNoJobAvailable):
		case errors.Is(err, client.ErrNotFound):
			// The scheduler no longer knows this server.
			a.log.Warn("worker: server unknown to scheduler, registering again")
			if err := a.register(ctx); err != nil {
				<-a.slots
				return err
			}
		case ctx.Err() != nil:
		default:
			a.log.Error("worker: request next job", "error", err)
		}
		<-a.slots
	}
}

// register retries until it succeeds or ctx is done.
func (a *Agent) register(ctx context.Context) error {
	for {
		st, err := a.api.Register(ctx, a.opts.MaxConcurrent)
		if err == nil {
			a.log.Info("worker: registered", "server_id", st.ID, "max_concurrent", st.MaxConcurrent)
			return nil
		}
		if errors.Is(err, client.ErrUnauthorized) {
			return err
		}
		a.log.Warn("worker: register failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.PollInterval):
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.api.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("worker: heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) execute(ctx context.Context, j *job.Job) {
	defer a.wg.Done()
	defer func() { <-a.slots }()

	log := a.log.With("job_id", j.ID, "kind", j.Kind, "attempt", j.Attempts)
	log.Info("worker: job started")
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, a.opts.JobTimeout)
	resultRef, err := a.run(runCtx, a.opts.Command, j, func(p Progress) {
		log.Debug("worker: progress", "percent", p.Percent, "message", p.Message)
	})
	cancel()

	// Report even when ctx was cancelled so the job is requeued promptly.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancelReport()

	if err != nil {
		detail := err.Error()
		switch {
		case ctx.Err() != nil:
			detail = "worker shutting down"
		case errors.Is(err, context.DeadlineExceeded):
			detail = "generation timed out after " + a.opts.JobTimeout.String()
		}
		log.Warn("worker: job failed", "error", detail, "duration", time.Since(start))
		a.report(log, a.api.ReportFailure(reportCtx, j.ID, detail))
		return
	}

	log.Info("worker: job completed", "result_ref", resultRef, "duration", time.Since(start))
	a.report(log, a.api.ReportSuccess(reportCtx, j.ID, resultRef))
}

func (a *Agent) report(log *slog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, client.ErrConflict):
		log.Warn("worker: stale report dropped", "error", err)
	default:
		log.Error("worker: report outcome", "error", err)
	}
}
