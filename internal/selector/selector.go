// Package selector ranks worker servers for a job. It holds no state; the
// same inputs always produce the same pick.
package selector

import (
	"errors"
	"time"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
)

// ErrNoCapacity means no online server has a free slot.
var ErrNoCapacity = errors.New("no capacity available")

// Weights scale each scoring term. Lower total score wins.
type Weights struct {
	Load    float64 `yaml:"w_load"`
	Queue   float64 `yaml:"w_queue"`
	Failure float64 `yaml:"w_failure"`
}

func DefaultWeights() Weights {
	return Weights{Load: 10, Queue: 5, Failure: 20}
}

// DefaultNominal is the assumed job duration per kind for servers with no completion history.
var DefaultNominal = map[job.Kind]time.Duration{
	job.KindImage: 15 * time.Second,
	job.KindVideo: 90 * time.Second,
}

type Selector struct {
	weights Weights
	nominal map[job.Kind]time.Duration
}

// New returns a Selector. A nil nominal map uses DefaultNominal.
func New(w Weights, nominal map[job.Kind]time.Duration) *Selector {
	if nominal == nil {
		nominal = DefaultNominal
	}
	return &Selector{weights: w, nominal: nominal}
}

// QueueEstimate is the server's backlog in minutes: current_jobs times the
// average job duration, falling back to the kind's nominal duration.
func (s *Selector) QueueEstimate(srv *fleet.ServerState, kind job.Kind) float64 {
	avg := srv.AvgJobSeconds
	if srv.CompletedCount == 0 || avg <= 0 {
		d, ok := s.nominal[kind]
		if !ok {
			d = s.nominal[job.KindImage]
		}
		avg = d.Seconds()
	}
	return float64(srv.CurrentJobs) * avg / 60
}

func (s *Selector) Score(srv *fleet.ServerState, kind job.Kind) float64 {
	return float64(srv.CurrentJobs)*s.weights.Load +
		s.QueueEstimate(srv, kind)*s.weights.Queue +
		srv.FailureRate()*s.weights.Failure
}

// Pick returns the id of the lowest-scoring eligible candidate. Ties go to
// the lowest id.
func (s *Selector) Pick(kind job.Kind, candidates []fleet.ServerState) (string, error) {
	best := -1
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if !c.HasCapacity() {
			continue
		}
		score := s.Score(c, kind)
		if best < 0 || score < bestScore || (score == bestScore && c.ID < candidates[best].ID) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return "", ErrNoCapacity
	}
	return candidates[best].ID, nil
}

// Compatibility decides whether a server may run a job at all. It is consulted
// before scoring.
type Compatibility func(j *job.Job, srv *fleet.ServerState) bool

// AnyServer accepts every pairing.
func AnyServer(*job.Job, *fleet.ServerState) bool { return true }
