package job

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAssigned, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind is the type of media a job generates.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Job is one unit of generation work. Payload is opaque and passed through untouched.
type Job struct {
	ID             string         `json:"job_id"`
	OwnerRef       string         `json:"owner_ref"`
	Kind           Kind           `json:"kind"`
	Priority       int            `json:"priority"`
	Payload        map[string]any `json:"payload"`
	Status         Status         `json:"status"`
	AssignedServer string         `json:"assigned_server,omitempty"`
	Attempts       int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	ResultRef      string         `json:"result_ref,omitempty"`
	Error          string         `json:"error_detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AssignedAt     *time.Time     `json:"assigned_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// clonePayload deep-copies the JSON-shaped values a payload holds. Other
// value types are copied by assignment.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return clonePayload(v)
	case []any:
		c := make([]any, len(v))
		for i, e := range v {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = clonePayload(j.Payload)
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SubmitRequest is the payload used to submit a new job.
type SubmitRequest struct {
	OwnerRef string         `json:"owner_ref"`
	Kind     Kind           `json:"kind"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

// Validate checks the request against the allowed priority range [minPriority, maxPriority].
// An empty kind is accepted and treated as KindImage by the caller.
func (r *SubmitRequest) Validate(minPriority, maxPriority int) error {
	if r.OwnerRef == "" {
		return &InvalidJobError{Field: "owner_ref", Reason: "must not be empty"}
	}
	if r.Kind != "" && !r.Kind.Valid() {
		return &InvalidJobError{Field: "kind", Reason: "must be one of: image, video"}
	}
	if r.Priority < minPriority || r.Priority > maxPriority {
		return &InvalidJobError{
			Field:  "priority",
			Reason: fmt.Sprintf("must be between %d and %d", minPriority, maxPriority),
		}
	}
	if len(r.Payload) == 0 {
		return &InvalidJobError{Field: "payload", Reason: "must not be empty"}
	}
	return nil
}
