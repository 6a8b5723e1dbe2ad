// Package scheduler assigns generation jobs to worker servers and drives each
// job through its lifecycle.
//
// Locking: a job's lock is always taken before a server's lock. Store and
// registry index locks are leaves and are never held while a job or server
// mutator runs. Events and hooks are delivered after every lock is released.
package scheduler

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/selector"
)

// PriorityRange is the inclusive range of accepted job priorities.
type PriorityRange struct {
	Min, Max int
}

// Config holds the tunables. Zero or nil fields take the defaults; a set
// Priorities or Weights is used as given, including [0, 0] and all-zero weights.
type Config struct {
	MaxAttempts          int
	DefaultMaxConcurrent int
	Priorities           *PriorityRange
	Weights              *selector.Weights
	Nominal              map[job.Kind]time.Duration
	EMAAlpha             float64
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 1
	}
	if c.Priorities == nil {
		c.Priorities = &PriorityRange{Min: -100, Max: 100}
	}
	if c.Weights == nil {
		w := selector.DefaultWeights()
		c.Weights = &w
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		c.EMAAlpha = 0.2
	}
}

// Recorder receives scheduling events for metrics.
type Recorder interface {
	Submitted(kind job.Kind)
	Assigned(kind job.Kind)
	Completed(kind job.Kind, elapsed time.Duration)
	Failed(kind job.Kind)
	Requeued(reason string)
	Cancelled()
	StaleReport()
	ServerLoad(serverID string, current int)
}

type nopRecorder struct{}

func (nopRecorder) Submitted(job.Kind) {}
func (nopRecorder) Assigned(job.Kind) {}
func (nopRecorder) Completed(job.Kind, time.Duration) {}
func (nopRecorder) Failed(job.Kind) {}
func (nopRecorder) Requeued(string) {}
func (nopRecorder) Cancelled() {}
func (nopRecorder) StaleReport() {}
func (nopRecorder) ServerLoad(string, int) {}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.rec = r }
}

// WithTerminalHook registers fn to run once for every job that reaches a terminal status.
func WithTerminalHook(fn func(j *job.Job)) Option {
	return func(s *Scheduler) { s.onTerminal = fn }
}

func WithCompatibility(fn selector.Compatibility) Option {
	return func(s *Scheduler) { s.compatible = fn }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) { s.newID = fn }
}

func WithStore(st job.Store) Option {
	return func(s *Scheduler) { s.jobs = st }
}

// Scheduler is the queue manager. Create it with New.
type Scheduler struct {
	cfg        Config
	jobs       job.Store
	servers    *fleet.Registry
	sel        *selector.Selector
	compatible selector.Compatibility
	now        func() time.Time
	log        *slog.Logger
	rec        Recorder
	onTerminal func(j *job.Job)
	newID      func() string

	subs   map[string][]chan Event
	subsMu sync.RWMutex
}

func New(cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:        cfg,
		jobs:       job.NewMemoryStore(),
		servers:    fleet.NewRegistry(),
		sel:        selector.New(*cfg.Weights, cfg.Nominal),
		compatible: selector.AnyServer,
		now:        time.Now,
		log:        slog.Default(),
		rec:        nopRecorder{},
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
		subs:       make(map[string][]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and stores it as a pending job. It never waits for a server.
func (s *Scheduler) Submit(req job.SubmitRequest) (*job.Job, error) {
	if err := req.Validate(s.cfg.Priorities.Min, s.cfg.Priorities.Max); err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = job.KindImage
	}
	j := &job.Job{
		ID:          s.newID(),
		OwnerRef:    req.OwnerRef,
		Kind:        kind,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Status:      job.StatusPending,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   s.now(),
	}
	if err := s.jobs.Insert(j); err != nil {
		return nil, err
	}
	s.rec.Submitted(kind)
	s.log.Debug("job submitted", "job_id", j.ID, "owner_ref", j.OwnerRef, "kind", kind, "priority", j.Priority)
	return j.Clone(), nil
}

// Status returns a snapshot of the job.
func (s *Scheduler) Status(id string) (*job.Job, error) {
	return s.jobs.Get(id)
}

// ListByOwner returns the owner's live jobs ordered by creation time.
func (s *Scheduler) ListByOwner(ownerRef string) []*job.Job {
	jobs := s.jobs.ListByOwner(ownerRef)
	slices.SortStableFunc(jobs, func(a, b *job.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs
}

// Register creates or updates a server. maxConcurrent <= 0 uses the configured default.
func (s *Scheduler) Register(serverID string, maxConcurrent int) fleet.ServerState {
	if maxConcurrent <= 0 {
		maxConcurrent = s.cfg.DefaultMaxConcurrent
	}
	st := s.servers.Register(serverID, maxConcurrent, s.now())
	s.rec.ServerLoad(st.ID, st.CurrentJobs)
	s.log.Info("server registered", "server_id", serverID, "max_concurrent", st.MaxConcurrent)
	return st
}

func (s *Scheduler) Heartbeat(serverID string) error {
	_, err := s.servers.Heartbeat(serverID, s.now())
	return err
}

// MarkOffline stops the server from receiving work. Jobs it holds stay
// assigned until ReapStaleAssignments runs.
func (s *Scheduler) MarkOffline(serverID string) (fleet.ServerState, error) {
	st, err := s.servers.MarkOffline(serverID)
	if err == nil {
		s.log.Info("server marked offline", "server_id", serverID, "current_jobs", st.CurrentJobs)
	}
	return st, err
}

func (s *Scheduler) Server(serverID string) (fleet.ServerState, error) {
	return s.servers.Get(serverID)
}

// StaleServers returns online servers not heard from since cutoff.
func (s *Scheduler) StaleServers(cutoff time.Time) []string {
	return s.servers.Stale(cutoff)
}

// Summary is a point-in-time aggregate of jobs and servers.
type Summary struct {
	Jobs    map[job.Status]int  `json:"jobs"`
	Servers []fleet.ServerState `json:"servers"`
	Online  int                 `json:"servers_online"`
}

func (s *Scheduler) Summary() Summary {
	sum := Summary{
		Jobs:    s.jobs.CountByStatus(),
		Servers: s.servers.List(),
	}
	for _, st := range sum.Servers {
		if st.Online {
			sum.Online++
		}
	}
	return sum
}

// TerminalBefore returns terminal jobs that finished before cutoff, oldest first.
func (s *Scheduler) TerminalBefore(cutoff time.Time) []*job.Job {
	var out []*job.Job
	for _, st := range job.Statuses {
		if !st.IsTerminal() {
			continue
		}
		for _, j := range s.jobs.ListByStatus(st) {
			if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
				out = append(out, j)
			}
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		if c := a.CompletedAt.Compare(*b.CompletedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Purge removes a terminal job from the live store.
func (s *Scheduler) Purge(id string) error {
	j, err := s.jobs.Get(id)
	if err != nil {
		return err
	}
	if !j.Status.IsTerminal() {
		return &job.InvalidTransitionError{ID: id, From: j.Status, Op: "purge"}
	}
	// Terminal jobs never change again, so the status check cannot go stale.
	return s.jobs.Remove(id)
}
