// Package fleet tracks the worker servers known to the scheduler.
package fleet

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownServer = errors.New("unknown server")

// UnknownServerError is returned for ids that never registered, or that are
// offline when an operation requires an online server.
type UnknownServerError struct {
	ID      string
	Offline bool
}

func (e *UnknownServerError) Error() string {
	if e.Offline {
		return fmt.Sprintf("server %s is offline", e.ID)
	}
	return fmt.Sprintf("server %s is not registered", e.ID)
}

func (e *UnknownServerError) Is(target error) bool { return target == ErrUnknownServer }

// ServerState is the scheduler's bookkeeping for one worker server.
type ServerState struct {
	ID             string    `json:"server_id"`
	Online         bool      `json:"online"`
	MaxConcurrent  int       `json:"max_concurrent"`
	CurrentJobs    int       `json:"current_jobs"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	AvgJobSeconds  float64   `json:"avg_job_seconds"`
	LastSeen       time.Time `json:"last_seen"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// HasCapacity reports whether the server can take one more job.
func (s *ServerState) HasCapacity() bool {
	return s.Online && s.CurrentJobs < s.MaxConcurrent
}

// FailureRate is failed / max(1, completed+failed).
func (s *ServerState) FailureRate() float64 {
	return float64(s.FailedCount) / float64(max(1, s.CompletedCount+s.FailedCount))
}

// Acquire takes one slot. Callers check HasCapacity first.
func (s *ServerState) Acquire() {
	s.CurrentJobs++
}

// Release frees one slot without touching the outcome counters.
func (s *ServerState) Release() {
	if s.CurrentJobs > 0 {
		s.CurrentJobs--
	}
}

// RecordCompletion frees a slot and folds elapsed into the moving average.
// The first completion seeds the average.
func (s *ServerState) RecordCompletion(elapsed time.Duration, alpha float64) {
	s.Release()
	secs := elapsed.Seconds()
	if s.CompletedCount == 0 || s.AvgJobSeconds == 0 {
		s.AvgJobSeconds = secs
	} else {
		s.AvgJobSeconds = (1-alpha)*s.AvgJobSeconds + alpha*secs
	}
	s.CompletedCount++
}

// RecordFailure frees a slot and counts the failure.
func (s *ServerState) RecordFailure() {
	s.Release()
	s.FailedCount++
}

// Touch records contact from the server.
func (s *ServerState) Touch(now time.Time) {
	if now.After(s.LastSeen) {
		s.LastSeen = now
	}
}
