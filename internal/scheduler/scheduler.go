// Package scheduler implements Kura's recurring refit mechanism: a singleton
// state row per scheduler_key that the Dispatcher's housekeeping pass
// advances on a fixed interval, enqueuing a job through the same Job Queue
// every other piece of work flows through.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/jobqueue"
)

// Status records the outcome of the most recently completed tick.
type Status string

const (
	StatusUnknown Status = ""
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// State is the singleton row per scheduler_key. A scheduler_key names a
// recurring refit (e.g. a handler that wants periodic full recompute
// regardless of new events).
type State struct {
	SchedulerKey      string
	Interval          time.Duration
	NextRunAt         time.Time
	InFlightJobID     string
	LastRunStartedAt  *time.Time
	LastRunCompletedAt *time.Time
	LastRunStatus     Status
	LastMissedRuns    int
	TotalRuns         int64
}

// Store is the persistence contract for scheduler state. The Dispatcher's
// housekeeping pass is the only writer; contention is negligible since
// exactly one tick per scheduler_key runs at a time under a row lock
// acquired before mutation, mirroring ClaimAndFire's claim-then-advance
// shape.
type Store interface {
	// ClaimDue locks and returns every State row that needs a tick right
	// now: rows with no in-flight job whose NextRunAt is due, plus every
	// row that already has an in-flight job regardless of NextRunAt (those
	// must be probed for completion every tick, not just once they come due
	// again). Locked under skip-locked so concurrent dispatcher instances
	// never double-fire or double-probe the same scheduler_key.
	ClaimDue(ctx context.Context, now time.Time) ([]*State, error)

	// MarkInFlight stamps InFlightJobID and LastRunStartedAt for a claimed
	// state row.
	MarkInFlight(ctx context.Context, schedulerKey, jobID string, startedAt time.Time) error

	// SetMissedRuns stamps LastMissedRuns for a claimed state row, recording
	// how many intervals elapsed since NextRunAt before this tick fired.
	SetMissedRuns(ctx context.Context, schedulerKey string, missedRuns int) error

	// AdvanceNextRunAt stamps NextRunAt at enqueue time, independent of when
	// the enqueued job eventually completes.
	AdvanceNextRunAt(ctx context.Context, schedulerKey string, nextRunAt time.Time) error

	// Advance clears InFlightJobID and stamps LastRunCompletedAt/LastRunStatus.
	// NextRunAt was already advanced by one interval when the job was
	// enqueued; when catchUpNow is true (a failed run) it additionally pulls
	// NextRunAt back to completedAt so the next tick fires immediately
	// instead of waiting out the rest of the interval.
	Advance(ctx context.Context, schedulerKey string, completedAt time.Time, status Status, catchUpNow bool) error

	// Get fetches a single scheduler_key's state.
	Get(ctx context.Context, schedulerKey string) (*State, error)
}

// Scheduler advances every registered recurring refit on each Dispatcher
// housekeeping pass.
type Scheduler struct {
	states Store
	jobs   jobqueue.Store
}

// New constructs a Scheduler backed by the given stores.
func New(states Store, jobs jobqueue.Store) *Scheduler {
	return &Scheduler{states: states, jobs: jobs}
}

// Tick implements dispatcher.Scheduler. For each due scheduler_key it probes
// any in-flight job, adopts or enqueues one, and advances state — see
// the scheduler's tick algorithm.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.states.ClaimDue(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("scheduler: claim due: %w", err)
	}

	for _, state := range due {
		if err := s.tickOne(ctx, state); err != nil {
			return fmt.Errorf("scheduler: tick %s: %w", state.SchedulerKey, err)
		}
	}

	return nil
}

func (s *Scheduler) tickOne(ctx context.Context, state *State) error {
	if state.InFlightJobID != "" {
		return s.probeInFlight(ctx, state)
	}

	// First fire or recovery from a crash between enqueue and NextRunAt
	// advance: compute how many intervals were missed. A state
	// whose NextRunAt has just elapsed once counts as 1 missed run, never 0.
	now := time.Now()
	missedRuns := 1

	if state.Interval > 0 && now.After(state.NextRunAt) {
		missedRuns = int(now.Sub(state.NextRunAt)/state.Interval) + 1
	}

	if err := s.states.SetMissedRuns(ctx, state.SchedulerKey, missedRuns); err != nil {
		return err
	}

	// Recovery: the process may have crashed between a prior enqueue and
	// stamping in_flight_job_id. Adopt a pending job already tagged with
	// this scheduler_key instead of firing a duplicate.
	existing, err := s.jobs.FindPendingBySchedulerKey(ctx, state.SchedulerKey)
	if err != nil {
		return err
	}

	jobID := ""

	if existing != nil {
		jobID = existing.ID.String()
	} else {
		job := &jobqueue.Job{
			TenantID:     "",
			Kind:         jobqueue.KindProjectionUpdate,
			SchedulerKey: state.SchedulerKey,
			Status:       jobqueue.StatusPending,
			MaxAttempts:  1,
			ScheduledFor: now,
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return err
		}

		jobID = job.ID.String()
	}

	// Advance NextRunAt by exactly one interval at enqueue time, not on
	// completion: a slow or stuck handler must never stall the next tick's
	// due-check.
	if err := s.states.AdvanceNextRunAt(ctx, state.SchedulerKey, state.NextRunAt.Add(state.Interval)); err != nil {
		return err
	}

	return s.states.MarkInFlight(ctx, state.SchedulerKey, jobID, now)
}

func (s *Scheduler) probeInFlight(ctx context.Context, state *State) error {
	id, err := canon.ParseID(state.InFlightJobID)
	if err != nil {
		return fmt.Errorf("parse in_flight_job_id %q: %w", state.InFlightJobID, err)
	}

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case jobqueue.StatusPending, jobqueue.StatusProcessing:
		// Still in flight: nothing to do this tick.
		return nil
	case jobqueue.StatusCompleted:
		return s.states.Advance(ctx, state.SchedulerKey, time.Now(), StatusOK, false)
	default: // failed permanently consumed into dead, or failed awaiting retry
		return s.states.Advance(ctx, state.SchedulerKey, time.Now(), StatusFailed, true)
	}
}
