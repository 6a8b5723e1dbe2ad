package scheduler

import "github.com/clipforge/genqueue/internal/job"

type EventType string

const (
	EventAssigned  EventType = "assigned"
	EventRequeued  EventType = "requeued"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is a job transition as seen by subscribers.
type Event struct {
	Type EventType `json:"type"`
	Job  *job.Job  `json:"job"`
}

// Subscribe creates a buffered event channel for a job and returns it.
// The channel is closed after the job's terminal event.
func (s *Scheduler) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	s.subsMu.Lock()
	s.subs[jobID] = append(s.subs[jobID], ch)
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a channel from the map. It is safe to call after the
// channel was closed by a terminal event.
func (s *Scheduler) Unsubscribe(jobID string, ch chan Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	chans := s.subs[jobID]
	for i, c := range chans {
		if c == ch {
			s.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.subs[jobID]) == 0 {
		delete(s.subs, jobID)
	}
}

// publish sends an event to all subscribers of a job without blocking. The
// read lock is held across the sends so finish cannot close a channel mid-send.
func (s *Scheduler) publish(ev Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for _, ch := range s.subs[ev.Job.ID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish delivers a terminal event, closes the job's channels and runs the terminal hook.
func (s *Scheduler) finish(ev Event) {
	s.subsMu.Lock()
	for _, ch := range s.subs[ev.Job.ID] {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	delete(s.subs, ev.Job.ID)
	s.subsMu.Unlock()

	if s.onTerminal != nil {
		s.onTerminal(ev.Job.Clone())
	}
}
