package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
)

const reapedDetail = "assignment reaped: server unresponsive"

// checkReport rejects reports that do not match the job's current assignment.
func checkReport(j *job.Job, serverID string) error {
	if j.Status != job.StatusAssigned || j.AssignedServer != serverID {
		return &job.StaleReportError{ID: j.ID, ServerID: serverID, Status: j.Status, Assigned: j.AssignedServer}
	}
	return nil
}

// ReportSuccess completes an assigned job.
func (s *Scheduler) ReportSuccess(jobID, serverID, resultRef string) (*job.Job, error) {
	var (
		elapsed time.Duration
		load    int
	)
	j, err := s.jobs.Update(jobID, func(j *job.Job) error {
		if err := checkReport(j, serverID); err != nil {
			return err
		}
		now := s.now()
		elapsed = now.Sub(*j.AssignedAt)
		st, err := s.servers.Update(serverID, func(st *fleet.ServerState) error {
			st.RecordCompletion(elapsed, s.cfg.EMAAlpha)
			st.Touch(now)
			return nil
		})
		if err != nil {
			return err
		}
		load = st.CurrentJobs

		j.Status = job.StatusCompleted
		j.ResultRef = resultRef
		j.Error = ""
		j.AssignedServer = ""
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.noteStale(err)
		return nil, err
	}

	s.rec.Completed(j.Kind, elapsed)
	s.rec.ServerLoad(serverID, load)
	s.log.Info("job completed", "job_id", j.ID, "server_id", serverID, "attempt", j.Attempts, "elapsed", elapsed)
	s.finish(Event{Type: EventCompleted, Job: j})
	return j, nil
}

// ReportFailure records a failed attempt. The job is requeued while attempts
// remain, otherwise it fails for good.
func (s *Scheduler) ReportFailure(jobID, serverID, detail string) (*job.Job, error) {
	j, load, err := s.fail(jobID, serverID, detail, true, time.Time{})
	if err != nil {
		s.noteStale(err)
		return nil, err
	}
	s.afterFailure(j, serverID, load, "failure")
	return j, nil
}

// fail runs the failure transition. With reported false it is a reap: the
// server's last_seen is untouched and the job must still be assigned at
// assignedAt, otherwise errSkip is returned.
func (s *Scheduler) fail(jobID, serverID, detail string, reported bool, assignedAt time.Time) (*job.Job, int, error) {
	var load int
	j, err := s.jobs.Update(jobID, func(j *job.Job) error {
		if err := checkReport(j, serverID); err != nil {
			if !reported {
				return errSkip
			}
			return err
		}
		if !reported && !j.AssignedAt.Equal(assignedAt) {
			return errSkip
		}
		now := s.now()
		st, err := s.servers.Update(serverID, func(st *fleet.ServerState) error {
			st.RecordFailure()
			if reported {
				st.Touch(now)
			}
			return nil
		})
		if err != nil && !errors.Is(err, fleet.ErrUnknownServer) {
			return err
		}
		load = st.CurrentJobs

		j.Error = detail
		j.AssignedServer = ""
		j.AssignedAt = nil
		if j.Attempts < j.MaxAttempts {
			j.Status = job.StatusPending
			return nil
		}
		j.Status = job.StatusFailed
		j.CompletedAt = &now
		return nil
	})
	return j, load, err
}

func (s *Scheduler) afterFailure(j *job.Job, serverID string, load int, reason string) {
	s.rec.ServerLoad(serverID, load)
	if j.Status == job.StatusPending {
		s.rec.Requeued(reason)
		s.log.Warn("job requeued",
			"job_id", j.ID, "server_id", serverID, "attempt", j.Attempts, "reason", reason, "error", j.Error)
		s.publish(Event{Type: EventRequeued, Job: j})
		return
	}
	s.rec.Failed(j.Kind)
	s.log.Error("job failed", "job_id", j.ID, "server_id", serverID, "attempt", j.Attempts, "error", j.Error)
	s.finish(Event{Type: EventFailed, Job: j})
}

func (s *Scheduler) noteStale(err error) {
	var stale *job.StaleReportError
	if errors.As(err, &stale) {
		s.rec.StaleReport()
		s.log.Debug("stale report", "job_id", stale.ID, "server_id", stale.ServerID, "status", stale.Status)
	}
}

// Cancel stops a pending or assigned job. An assigned job's slot is released
// without counting a failure or consuming an attempt.
func (s *Scheduler) Cancel(jobID string) (*job.Job, error) {
	var (
		serverID string
		load     int
	)
	j, err := s.jobs.Update(jobID, func(j *job.Job) error {
		if j.Status.IsTerminal() {
			return &job.InvalidTransitionError{ID: j.ID, From: j.Status, Op: "cancel"}
		}
		if j.Status == job.StatusAssigned {
			serverID = j.AssignedServer
			st, err := s.servers.Update(serverID, func(st *fleet.ServerState) error {
				st.Release()
				return nil
			})
			if err != nil && !errors.Is(err, fleet.ErrUnknownServer) {
				return err
			}
			load = st.CurrentJobs
		}
		now := s.now()
		j.Status = job.StatusCancelled
		j.AssignedServer = ""
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if serverID != "" {
		s.rec.ServerLoad(serverID, load)
	}
	s.rec.Cancelled()
	s.log.Info("job cancelled", "job_id", j.ID, "server_id", serverID)
	s.finish(Event{Type: EventCancelled, Job: j})
	return j, nil
}

// ReapStaleAssignments fails every job assigned before now-timeout to a server
// that is offline or has not been seen since then. Each one consumes an
// attempt, exactly like ReportFailure. It returns how many jobs were reaped.
func (s *Scheduler) ReapStaleAssignments(timeout time.Duration) int {
	cutoff := s.now().Add(-timeout)
	reaped := 0
	for _, j := range s.jobs.ListByStatus(job.StatusAssigned) {
		if j.AssignedAt == nil || !j.AssignedAt.Before(cutoff) {
			continue
		}
		st, err := s.servers.Get(j.AssignedServer)
		if err == nil && st.Online && !st.LastSeen.Before(cutoff) {
			continue
		}

		serverID := j.AssignedServer
		detail := fmt.Sprintf("%s after %s", reapedDetail, timeout)
		updated, load, err := s.fail(j.ID, serverID, detail, false, *j.AssignedAt)
		if err != nil {
			// Reported, cancelled or reassigned since the listing.
			continue
		}
		reaped++
		s.afterFailure(updated, serverID, load, "reap")
	}
	if reaped > 0 {
		s.log.Info("reaped stale assignments", "count", reaped, "timeout", timeout)
	}
	return reaped
}
