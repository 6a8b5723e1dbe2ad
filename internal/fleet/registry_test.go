package fleet

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRegister_IdempotentKeepsCounters(t *testing.T) {
	r := NewRegistry()
	r.Register("gpu-1", 2, t0)

	_, err := r.Update("gpu-1", func(st *ServerState) error {
		st.Acquire()
		st.RecordCompletion(20*time.Second, 0.2)
		st.Acquire()
		st.RecordFailure()
		st.Touch(t0.Add(2 * time.Minute))
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	st := r.Register("gpu-1", 4, t0.Add(time.Hour))
	if st.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", st.MaxConcurrent)
	}
	if st.CompletedCount != 1 || st.FailedCount != 1 {
		t.Errorf("counters reset: completed=%d failed=%d", st.CompletedCount, st.FailedCount)
	}
	if !st.RegisteredAt.Equal(t0) {
		t.Errorf("RegisteredAt = %v, want %v", st.RegisteredAt, t0)
	}
	if !st.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastSeen = %v", st.LastSeen)
	}
}

func TestRegister_ClampsCapacity(t *testing.T) {
	r := NewRegistry()
	if st := r.Register("gpu-1", 0, t0); st.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", st.MaxConcurrent)
	}
}

func TestHeartbeat(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Heartbeat("ghost", t0); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("Heartbeat(ghost) = %v, want ErrUnknownServer", err)
	}

	r.Register("gpu-1", 1, t0)
	if _, err := r.MarkOffline("gpu-1"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	st, err := r.Heartbeat("gpu-1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !st.Online || !st.LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("after Heartbeat = %+v", st)
	}
}

func TestMarkOffline_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.MarkOffline("ghost")
	var ue *UnknownServerError
	if !errors.As(err, &ue) || ue.Offline {
		t.Errorf("MarkOffline = %v, want UnknownServerError", err)
	}
}

func TestUpdate_ErrorLeavesStateUnchanged(t *testing.T) {
	r := NewRegistry()
	r.Register("gpu-1", 1, t0)

	boom := errors.New("boom")
	st, err := r.Update("gpu-1", func(st *ServerState) error {
		st.Acquire()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update = %v, want boom", err)
	}
	if st.CurrentJobs != 0 {
		t.Errorf("CurrentJobs = %d, want 0", st.CurrentJobs)
	}
}

func TestRecordCompletion_MovingAverage(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  []time.Duration
		expected float64
	}{
		{"first seeds", []time.Duration{40 * time.Second}, 40},
		{"second smooths", []time.Duration{40 * time.Second, 90 * time.Second}, 0.8*40 + 0.2*90},
		{"three", []time.Duration{10 * time.Second, 10 * time.Second, 60 * time.Second}, 0.8*10 + 0.2*60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ServerState{ID: "gpu-1", Online: true, MaxConcurrent: 1}
			for _, d := range tt.elapsed {
				st.Acquire()
				st.RecordCompletion(d, 0.2)
			}
			if math.Abs(st.AvgJobSeconds-tt.expected) > 1e-9 {
				t.Errorf("AvgJobSeconds = %v, want %v", st.AvgJobSeconds, tt.expected)
			}
			if st.CurrentJobs != 0 {
				t.Errorf("CurrentJobs = %d, want 0", st.CurrentJobs)
			}
		})
	}
}

func TestFailureRate(t *testing.T) {
	tests := []struct {
		completed, failed int
		want              float64
	}{
		{0, 0, 0},
		{0, 1, 1},
		{3, 1, 0.25},
		{10, 0, 0},
	}
	for _, tt := range tests {
		st := ServerState{CompletedCount: tt.completed, FailedCount: tt.failed}
		if got := st.FailureRate(); got != tt.want {
			t.Errorf("FailureRate(%d,%d) = %v, want %v", tt.completed, tt.failed, got, tt.want)
		}
	}
}

func TestListAndStale(t *testing.T) {
	r := NewRegistry()
	r.Register("gpu-b", 1, t0)
	r.Register("gpu-a", 1, t0.Add(time.Minute))
	r.Register("gpu-c", 1, t0)
	r.MarkOffline("gpu-c")

	list := r.List()
	if len(list) != 3 || list[0].ID != "gpu-a" || list[2].ID != "gpu-c" {
		t.Fatalf("List = %+v", list)
	}

	stale := r.Stale(t0.Add(30 * time.Second))
	if len(stale) != 1 || stale[0] != "gpu-b" {
		t.Errorf("Stale = %v, want [gpu-b]", stale)
	}
}

func TestUpdate_ConcurrentAcquireBounded(t *testing.T) {
	r := NewRegistry()
	r.Register("gpu-1", 3, t0)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Update("gpu-1", func(st *ServerState) error {
				if !st.HasCapacity() {
					return errors.New("full")
				}
				st.Acquire()
				return nil
			})
		}()
	}
	wg.Wait()

	st, _ := r.Get("gpu-1")
	if st.CurrentJobs != 3 {
		t.Errorf("CurrentJobs = %d, want 3", st.CurrentJobs)
	}
}
