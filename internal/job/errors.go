package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidJob        = errors.New("invalid job")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleReport       = errors.New("stale report")
)

// NotFoundError reports a job id that is not in the store.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidJobError reports a submission rejected before any state change.
type InvalidJobError struct {
	Field  string
	Reason string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

func (e *InvalidJobError) Is(target error) bool { return target == ErrInvalidJob }

// InvalidTransitionError reports an operation that is not allowed from the job's current status.
type InvalidTransitionError struct {
	ID   string
	From Status
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot %s from status %s", e.ID, e.Op, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StaleReportError is returned when a server reports on an assignment it no longer holds.
type StaleReportError struct {
	ID       string
	ServerID string
	Status   Status
	Assigned string
}

func (e *StaleReportError) Error() string {
	if e.Status != StatusAssigned {
		return fmt.Sprintf("stale report for job %s from %s: job is %s", e.ID, e.ServerID, e.Status)
	}
	return fmt.Sprintf("stale report for job %s from %s: assigned to %s", e.ID, e.ServerID, e.Assigned)
}

func (e *StaleReportError) Is(target error) bool { return target == ErrStaleReport }
