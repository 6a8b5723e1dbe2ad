package scheduler

import (
	"errors"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/selector"
)

// ErrNoJobAvailable is returned by RequestNext when no pending job can be
// assigned to the server right now.
var ErrNoJobAvailable = errors.New("no job available")

var (
	errSkip         = errors.New("skip job")
	errIncompatible = errors.New("server incompatible with job")
)

// RequestNext hands the highest-priority pending job to serverID. It returns
// ErrNoJobAvailable when nothing is pending for it or the server has no free slot.
func (s *Scheduler) RequestNext(serverID string) (*job.Job, error) {
	st, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	if !st.Online {
		return nil, &fleet.UnknownServerError{ID: serverID, Offline: true}
	}
	if !st.HasCapacity() {
		return nil, ErrNoJobAvailable
	}

	for _, candidate := range s.jobs.ListByStatus(job.StatusPending) {
		assigned, load, err := s.assign(candidate.ID, serverID)
		switch {
		case err == nil:
			s.rec.Assigned(assigned.Kind)
			s.rec.ServerLoad(serverID, load)
			s.log.Debug("job assigned",
				"job_id", assigned.ID, "server_id", serverID, "attempt", assigned.Attempts, "priority", assigned.Priority)
			s.publish(Event{Type: EventAssigned, Job: assigned})
			return assigned, nil
		case errors.Is(err, selector.ErrNoCapacity):
			return nil, ErrNoJobAvailable
		case errors.Is(err, fleet.ErrUnknownServer):
			return nil, err
		case errors.Is(err, errSkip), errors.Is(err, errIncompatible), errors.Is(err, job.ErrNotFound):
			// Taken, cancelled or purged since the listing, or not for this server.
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNoJobAvailable
}

// assign moves one pending job to serverID. The job lock is held while the
// server's slot is taken, so both sides change together or not at all.
func (s *Scheduler) assign(jobID, serverID string) (*job.Job, int, error) {
	var load int
	j, err := s.jobs.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusPending {
			return errSkip
		}
		st, err := s.servers.Update(serverID, func(st *fleet.ServerState) error {
			if !st.Online {
				return &fleet.UnknownServerError{ID: serverID, Offline: true}
			}
			if _, err := s.sel.Pick(j.Kind, []fleet.ServerState{*st}); err != nil {
				return err
			}
			if !s.compatible(j, st) {
				return errIncompatible
			}
			st.Acquire()
			return nil
		})
		if err != nil {
			return err
		}
		load = st.CurrentJobs

		now := s.now()
		j.Status = job.StatusAssigned
		j.AssignedServer = serverID
		j.AssignedAt = &now
		j.Attempts++
		return nil
	})
	return j, load, err
}
