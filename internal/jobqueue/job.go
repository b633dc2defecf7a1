// Package jobqueue defines the domain model and storage contract for Kura's
// durable work queue: the Enqueue Trigger writes here, the Dispatcher leases
// and completes here, under a skip-locked dequeue that tolerates concurrent
// workers without a broker.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/kura-dev/kura/internal/canon"
)

// Status is a Job's position in its state machine. Transitions are
// monotonic: a job never resurrects from a terminal status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// KindProjectionUpdate is the Job kind the Enqueue Trigger produces for every
// successful event insert.
const KindProjectionUpdate = "projection.update"

// Job is one unit of durable work. A scheduler_key is present only for jobs
// produced by the recurring Scheduler and is the single-flight dedup key.
type Job struct {
	ID            canon.ID
	TenantID      string
	Kind          string
	Payload       map[string]interface{}
	Status        Status
	Attempt       int
	MaxAttempts   int
	Priority      int
	SchedulerKey  string
	ScheduledFor  time.Time
	StartedAt     *time.Time
	Error         string
	LastError     string
}

// IsTerminal reports whether Status admits no further transitions.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusDead
}

var (
	// ErrNotFound is returned when a job id has no matching row.
	ErrNotFound = errors.New("jobqueue: job not found")
	// ErrAlreadyClaimed signals a caller attempted to act on a job it no
	// longer holds the lease for (e.g. after a lease-horizon reclaim).
	ErrAlreadyClaimed = errors.New("jobqueue: job is held by another worker")
)

// EventEnqueue is the payload shape the Write Gate attaches to every
// projection.update job: enough for a handler to re-derive state without
// re-reading the triggering event eagerly.
type EventEnqueue struct {
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
}

// Store is the persistence contract the Write Gate, Dispatcher, and
// Scheduler depend on. Kept as an interface so the domain packages never
// import database/sql directly; internal/storage provides the only
// implementation.
type Store interface {
	// Enqueue inserts a new pending job. Implementations that support it
	// must run this in the same transaction as the Enqueue Trigger's event
	// insert, so a job exists for every committed event with probability 1.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims up to limit pending, due jobs ordered by
	// (priority desc, id asc), marks them processing, and returns them.
	// Implementations must use a skip-locked claim so concurrent workers
	// never observe the same row.
	Dequeue(ctx context.Context, limit int) ([]*Job, error)

	// Complete marks a job completed.
	Complete(ctx context.Context, id canon.ID) error

	// Fail records a handler-reported failure. If the job's attempt budget
	// is exhausted the job moves to dead; otherwise it returns to pending
	// with scheduled_for advanced by the caller-supplied backoff.
	Fail(ctx context.Context, id canon.ID, handlerErr string, backoff time.Duration) error

	// ReclaimStale returns processing jobs whose lease has exceeded
	// leaseHorizon back to pending, for worker-crash recovery.
	ReclaimStale(ctx context.Context, leaseHorizon time.Duration) (int, error)

	// FindPendingBySchedulerKey looks up a pending or processing job
	// carrying the given scheduler_key, used by the Scheduler to recover
	// an in-flight job across a crash between enqueue and state-stamping.
	FindPendingBySchedulerKey(ctx context.Context, schedulerKey string) (*Job, error)

	// Get fetches a single job by id, used by the Scheduler to probe the
	// status of a previously recorded in-flight job.
	Get(ctx context.Context, id canon.ID) (*Job, error)
}
