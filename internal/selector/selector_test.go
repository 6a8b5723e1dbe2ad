package selector

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
)

func srv(id string, current, limit, completed, failed int, avg float64) fleet.ServerState {
	return fleet.ServerState{
		ID:             id,
		Online:         true,
		MaxConcurrent:  limit,
		CurrentJobs:    current,
		CompletedCount: completed,
		FailedCount:    failed,
		AvgJobSeconds:  avg,
	}
}

func TestScore(t *testing.T) {
	t.Parallel()
	s := New(DefaultWeights(), nil)
	tests := []struct {
		name   string
		server fleet.ServerState
		kind   job.Kind
		want   float64
	}{
		{"idle fresh", srv("a", 0, 4, 0, 0, 0), job.KindImage, 0},
		// 2*10 + (2*15/60)*5 + 0
		{"loaded no history image", srv("a", 2, 4, 0, 0, 0), job.KindImage, 22.5},
		// 1*10 + (1*90/60)*5 + 0
		{"loaded no history video", srv("a", 1, 4, 0, 0, 0), job.KindVideo, 17.5},
		// 1*10 + (1*120/60)*5 + (1/4)*20
		{"history", srv("a", 1, 4, 3, 1, 120), job.KindImage, 25},
		// 0 + 0 + 1*20
		{"always failing idle", srv("a", 0, 4, 0, 2, 0), job.KindImage, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := s.Score(&tt.server, tt.kind); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPick(t *testing.T) {
	t.Parallel()
	offline := srv("a-offline", 0, 4, 0, 0, 0)
	offline.Online = false

	tests := []struct {
		name       string
		candidates []fleet.ServerState
		want       string
		wantErr    error
	}{
		{"empty", nil, "", ErrNoCapacity},
		{"all full", []fleet.ServerState{srv("a", 1, 1, 0, 0, 0), srv("b", 2, 2, 0, 0, 0)}, "", ErrNoCapacity},
		{"offline skipped", []fleet.ServerState{offline}, "", ErrNoCapacity},
		{"least loaded", []fleet.ServerState{srv("a", 2, 4, 0, 0, 0), srv("b", 1, 4, 0, 0, 0)}, "b", nil},
		{"tie lowest id", []fleet.ServerState{srv("c", 0, 1, 0, 0, 0), srv("b", 0, 1, 0, 0, 0)}, "b", nil},
		{"offline ignored even if idle", []fleet.ServerState{offline, srv("z", 1, 2, 0, 0, 0)}, "z", nil},
		{
			// a: 0 + 0 + 0.5*20 = 10; b: 10 + 1.25 + 0 = 11.25
			"failure history outweighs one job of load",
			[]fleet.ServerState{srv("a", 0, 2, 1, 1, 0), srv("b", 1, 2, 5, 0, 15)},
			"a", nil,
		},
	}
	s := New(DefaultWeights(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.Pick(job.KindImage, tt.candidates)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Pick err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Pick = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPick_CustomWeights(t *testing.T) {
	t.Parallel()
	candidates := []fleet.ServerState{srv("a", 0, 2, 1, 1, 0), srv("b", 1, 2, 5, 0, 15)}
	s := New(Weights{Load: 10, Queue: 5, Failure: 0}, nil)
	if got, _ := s.Pick(job.KindImage, candidates); got != "a" {
		t.Errorf("Pick = %q, want a", got)
	}
	s = New(Weights{Load: 10, Queue: 0, Failure: 100}, nil)
	if got, _ := s.Pick(job.KindImage, candidates); got != "b" {
		t.Errorf("Pick = %q, want b", got)
	}
}

func TestQueueEstimate_NominalOverride(t *testing.T) {
	t.Parallel()
	s := New(DefaultWeights(), map[job.Kind]time.Duration{job.KindImage: 30 * time.Second, job.KindVideo: 10 * time.Minute})
	server := srv("a", 3, 4, 0, 0, 0)
	if got := s.QueueEstimate(&server, job.KindVideo); got != 30 {
		t.Errorf("QueueEstimate = %v, want 30", got)
	}
	if got := s.QueueEstimate(&server, job.KindImage); got != 1.5 {
		t.Errorf("QueueEstimate = %v, want 1.5", got)
	}
}
