// Package janitor runs the periodic maintenance the scheduler leaves to its
// caller: marking silent servers offline, reaping stale assignments and
// archiving old terminal jobs.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/scheduler"
)

// Archiver stores terminal jobs before they are purged.
type Archiver interface {
	Archive(ctx context.Context, jobs []*job.Job) error
	DeleteArchivedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Observer receives a fleet snapshot after every liveness sweep.
type Observer interface {
	ObserveFleet(counts map[job.Status]int, servers []fleet.ServerState)
}

type Options struct {
	HeartbeatTimeout time.Duration
	LivenessInterval time.Duration
	ReapInterval     time.Duration
	ReapTimeout      time.Duration
	JobTTL           time.Duration
	PurgeInterval    time.Duration
	ArchiveRetention time.Duration

	Archive  Archiver
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Janitor struct {
	sched *scheduler.Scheduler
	opts  Options
	log   *slog.Logger
	wg    sync.WaitGroup
}

func New(sched *scheduler.Scheduler, opts Options) *Janitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{sched: sched, opts: opts, log: opts.Logger}
}

// Start launches one goroutine per sweep. They stop when ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.loop(ctx, j.opts.LivenessInterval, func(context.Context) { j.SweepLiveness() })
	j.loop(ctx, j.opts.ReapInterval, func(context.Context) { j.SweepReap() })
	j.loop(ctx, j.opts.PurgeInterval, func(ctx context.Context) { j.SweepPurge(ctx) })
}

// Wait blocks until every loop started by Start has returned.
func (j *Janitor) Wait() {
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, every time.Duration, sweep func(context.Context)) {
	if every <= 0 {
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx)
			}
		}
	}()
}

// SweepLiveness marks servers offline that have not been heard from within
// the heartbeat timeout. It returns how many were marked.
func (j *Janitor) SweepLiveness() int {
	cutoff := j.opts.Now().Add(-j.opts.HeartbeatTimeout)
	marked := 0
	for _, id := range j.sched.StaleServers(cutoff) {
		if _, err := j.sched.MarkOffline(id); err != nil {
			j.log.Warn("janitor: mark offline", "server_id", id, "error", err)
			continue
		}
		marked++
	}
	if j.opts.Observer != nil {
		sum := j.sched.Summary()
		j.opts.Observer.ObserveFleet(sum.Jobs, sum.Servers)
	}
	return marked
}

func (j *Janitor) SweepReap() int {
	return j.sched.ReapStaleAssignments(j.opts.ReapTimeout)
}

// SweepPurge archives terminal jobs older than the TTL and removes them from
// the scheduler. Nothing is purged if archiving fails.
func (j *Janitor) SweepPurge(ctx context.Context) int {
	now := j.opts.Now()
	old := j.sched.TerminalBefore(now.Add(-j.opts.JobTTL))
	if len(old) > 0 && j.opts.Archive != nil {
		if err := j.opts.Archive.Archive(ctx, old); err != nil {
			j.log.Error("janitor: archive terminal jobs", "count", len(old), "error", err)
			return 0
		}
	}

	purged := 0
	for _, jb := range old {
		if err := j.sched.Purge(jb.ID); err != nil {
			j.log.Warn("janitor: purge", "job_id", jb.ID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		j.log.Info("janitor: purged terminal jobs", "count", purged)
	}

	if j.opts.Archive != nil && j.opts.ArchiveRetention > 0 {
		n, err := j.opts.Archive.DeleteArchivedBefore(ctx, now.Add(-j.opts.ArchiveRetention))
		if err != nil {
			j.log.Error("janitor: trim archive", "error", err)
		} else if n > 0 {
			j.log.Info("janitor: trimmed archive", "count", n)
		}
	}
	return purged
}
