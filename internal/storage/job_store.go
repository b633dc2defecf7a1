package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/jobqueue"
)

// defaultMaxAttempts and defaultJobPriority are applied to jobs the Enqueue
// Trigger creates; handler-specific retry budgets are a future extension
// point, not something the queue asks for today.
const (
	defaultMaxAttempts = 5
	defaultJobPriority = 0
)

// PostgresJobStore implements jobqueue.Store. Dequeue runs under
// FOR UPDATE SKIP LOCKED so multiple dispatcher processes can poll the same
// table without ever claiming the same row twice, the same claim shape as
// ErlanBelekov's ClaimAndFire schedule repository.
type PostgresJobStore struct {
	conn *Connection
	ids  *canon.Generator
}

var _ jobqueue.Store = (*PostgresJobStore)(nil)

// NewPostgresJobStore constructs a PostgresJobStore. conn must be non-nil.
func NewPostgresJobStore(conn *Connection, ids *canon.Generator) (*PostgresJobStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresJobStore{conn: conn, ids: ids}, nil
}

// Enqueue implements jobqueue.Store.
func (s *PostgresJobStore) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	if job.ID.IsZero() {
		id, err := s.ids.New(time.Now())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
		}

		job.ID = id
	}

	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}

	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now()
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal job payload: %w", ErrJobStoreFailed, err)
	}

	var schedulerKey sql.NullString
	if job.SchedulerKey != "" {
		schedulerKey = sql.NullString{String: job.SchedulerKey, Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO projection_jobs
			(id, tenant_id, kind, payload, status, attempt, max_attempts, priority, scheduler_key, scheduled_for)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $8)`,
		job.ID.String(), job.TenantID, job.Kind, payload, job.MaxAttempts, job.Priority, schedulerKey, job.ScheduledFor)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: scheduler_key %q already has a live job", jobqueue.ErrAlreadyClaimed, job.SchedulerKey)
		}

		return fmt.Errorf("%w: enqueue job: %w", ErrJobStoreFailed, err)
	}

	return nil
}

// Dequeue implements jobqueue.Store.
func (s *PostgresJobStore) Dequeue(ctx context.Context, limit int) ([]*jobqueue.Job, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrJobStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE projection_jobs
		SET status = 'processing', started_at = now(), attempt = attempt + 1
		WHERE id IN (
			SELECT id FROM projection_jobs
			WHERE status = 'pending' AND scheduled_for <= now()
			ORDER BY priority DESC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, kind, payload, status, attempt, max_attempts, priority,
			scheduler_key, scheduled_for, started_at, error, last_error`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue: %w", ErrJobStoreFailed, err)
	}

	jobs, err := scanJobs(rows)
	rows.Close()

	if err != nil {
		return nil, err
	}

	return jobs, tx.Commit()
}

// Complete implements jobqueue.Store.
func (s *PostgresJobStore) Complete(ctx context.Context, id canon.ID) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE projection_jobs SET status = 'completed' WHERE id = $1 AND status = 'processing'`,
		id.String())
	if err != nil {
		return fmt.Errorf("%w: complete job: %w", ErrJobStoreFailed, err)
	}

	return requireRowAffected(res, jobqueue.ErrNotFound)
}

// Fail implements jobqueue.Store. A job that has exhausted its attempt
// budget moves to dead; otherwise it returns to pending with scheduled_for
// advanced by backoff, per the Dispatcher's retry contract.
func (s *PostgresJobStore) Fail(ctx context.Context, id canon.ID, handlerErr string, backoff time.Duration) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE projection_jobs
		SET
			last_error = $2,
			error = CASE WHEN attempt >= max_attempts THEN $2 ELSE error END,
			status = CASE WHEN attempt >= max_attempts THEN 'dead' ELSE 'pending' END,
			scheduled_for = CASE WHEN attempt >= max_attempts THEN scheduled_for ELSE now() + $3::interval END,
			started_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id.String(), handlerErr, backoff.String())
	if err != nil {
		return fmt.Errorf("%w: fail job: %w", ErrJobStoreFailed, err)
	}

	return requireRowAffected(res, jobqueue.ErrNotFound)
}

// ReclaimStale implements jobqueue.Store, returning processing jobs whose
// lease has expired back to pending for a crashed worker's jobs to be picked
// up by another.
func (s *PostgresJobStore) ReclaimStale(ctx context.Context, leaseHorizon time.Duration) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE projection_jobs
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < now() - $1::interval`,
		leaseHorizon.String())
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim stale jobs: %w", ErrJobStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim stale jobs: %w", ErrJobStoreFailed, err)
	}

	return int(affected), nil
}

// FindPendingBySchedulerKey implements jobqueue.Store.
func (s *PostgresJobStore) FindPendingBySchedulerKey(ctx context.Context, schedulerKey string) (*jobqueue.Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, payload, status, attempt, max_attempts, priority,
			scheduler_key, scheduled_for, started_at, error, last_error
		FROM projection_jobs
		WHERE scheduler_key = $1 AND status IN ('pending', 'processing')
		ORDER BY id DESC
		LIMIT 1`, schedulerKey)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: find pending by scheduler key: %w", ErrJobStoreFailed, err)
	}

	return job, nil
}

// Get implements jobqueue.Store.
func (s *PostgresJobStore) Get(ctx context.Context, id canon.ID) (*jobqueue.Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, payload, status, attempt, max_attempts, priority,
			scheduler_key, scheduled_for, started_at, error, last_error
		FROM projection_jobs
		WHERE id = $1`, id.String())

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobqueue.ErrNotFound
		}

		return nil, fmt.Errorf("%w: get job: %w", ErrJobStoreFailed, err)
	}

	return job, nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}

func scanJob(row rowScanner) (*jobqueue.Job, error) {
	var (
		idStr        string
		payload      []byte
		status       string
		schedulerKey sql.NullString
		startedAt    sql.NullTime
		jobError     sql.NullString
		lastError    sql.NullString
		job          jobqueue.Job
	)

	if err := row.Scan(&idStr, &job.TenantID, &job.Kind, &payload, &status, &job.Attempt, &job.MaxAttempts,
		&job.Priority, &schedulerKey, &job.ScheduledFor, &startedAt, &jobError, &lastError); err != nil {
		return nil, err
	}

	id, err := canon.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", idStr, err)
	}

	job.ID = id
	job.Status = jobqueue.Status(status)
	job.SchedulerKey = schedulerKey.String
	job.Error = jobError.String
	job.LastError = lastError.String

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}

	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*jobqueue.Job, error) {
	var jobs []*jobqueue.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job row: %w", ErrJobStoreFailed, err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate job rows: %w", ErrJobStoreFailed, err)
	}

	return jobs, nil
}
