package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kura-dev/kura/internal/scheduler"
)

// PostgresSchedulerStore implements scheduler.Store over a singleton-per-key
// scheduler_state table. ClaimDue uses the same FOR UPDATE SKIP LOCKED claim
// shape as ErlanBelekov's ClaimAndFire schedule repository, so two
// dispatcher processes racing the same tick never both fire a scheduler_key.
type PostgresSchedulerStore struct {
	conn *Connection
}

var _ scheduler.Store = (*PostgresSchedulerStore)(nil)

// NewPostgresSchedulerStore constructs a PostgresSchedulerStore. conn must
// be non-nil.
func NewPostgresSchedulerStore(conn *Connection) (*PostgresSchedulerStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresSchedulerStore{conn: conn}, nil
}

// ClaimDue implements scheduler.Store.
func (s *PostgresSchedulerStore) ClaimDue(ctx context.Context, now time.Time) ([]*scheduler.State, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler store: begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT scheduler_key, interval_seconds, next_run_at, in_flight_job_id,
			last_run_started_at, last_run_completed_at, last_run_status, last_missed_runs, total_runs
		FROM scheduler_state
		WHERE in_flight_job_id IS NOT NULL OR (next_run_at <= $1 AND in_flight_job_id IS NULL)
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, fmt.Errorf("scheduler store: claim due: %w", err)
	}

	states, err := scanStates(rows)
	rows.Close()

	if err != nil {
		return nil, err
	}

	return states, tx.Commit()
}

// MarkInFlight implements scheduler.Store.
func (s *PostgresSchedulerStore) MarkInFlight(ctx context.Context, schedulerKey, jobID string, startedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE scheduler_state
		SET in_flight_job_id = $2, last_run_started_at = $3, total_runs = total_runs + 1
		WHERE scheduler_key = $1`, schedulerKey, jobID, startedAt)
	if err != nil {
		return fmt.Errorf("scheduler store: mark in flight: %w", err)
	}

	return nil
}

// SetMissedRuns implements scheduler.Store.
func (s *PostgresSchedulerStore) SetMissedRuns(ctx context.Context, schedulerKey string, missedRuns int) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE scheduler_state SET last_missed_runs = $2 WHERE scheduler_key = $1`,
		schedulerKey, missedRuns)
	if err != nil {
		return fmt.Errorf("scheduler store: set missed runs: %w", err)
	}

	return nil
}

// AdvanceNextRunAt implements scheduler.Store.
func (s *PostgresSchedulerStore) AdvanceNextRunAt(ctx context.Context, schedulerKey string, nextRunAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE scheduler_state SET next_run_at = $2 WHERE scheduler_key = $1`,
		schedulerKey, nextRunAt)
	if err != nil {
		return fmt.Errorf("scheduler store: advance next_run_at: %w", err)
	}

	return nil
}

// Advance implements scheduler.Store.
func (s *PostgresSchedulerStore) Advance(
	ctx context.Context, schedulerKey string, completedAt time.Time, status scheduler.Status, catchUpNow bool,
) error {
	query := `
		UPDATE scheduler_state
		SET in_flight_job_id = NULL, last_run_completed_at = $2, last_run_status = $3
		WHERE scheduler_key = $1`
	args := []interface{}{schedulerKey, completedAt, string(status)}

	if catchUpNow {
		query = `
			UPDATE scheduler_state
			SET in_flight_job_id = NULL, last_run_completed_at = $2, last_run_status = $3, next_run_at = $2
			WHERE scheduler_key = $1`
	}

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("scheduler store: advance: %w", err)
	}

	return nil
}

// Get implements scheduler.Store.
func (s *PostgresSchedulerStore) Get(ctx context.Context, schedulerKey string) (*scheduler.State, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT scheduler_key, interval_seconds, next_run_at, in_flight_job_id,
			last_run_started_at, last_run_completed_at, last_run_status, last_missed_runs, total_runs
		FROM scheduler_state
		WHERE scheduler_key = $1`, schedulerKey)

	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scheduler store: %q: %w", schedulerKey, sql.ErrNoRows)
		}

		return nil, fmt.Errorf("scheduler store: get: %w", err)
	}

	return state, nil
}

func scanState(row rowScanner) (*scheduler.State, error) {
	var (
		intervalSeconds  int64
		inFlightJobID    sql.NullString
		lastRunStartedAt sql.NullTime
		lastRunCompleted sql.NullTime
		lastRunStatus    sql.NullString
		state            scheduler.State
	)

	if err := row.Scan(&state.SchedulerKey, &intervalSeconds, &state.NextRunAt, &inFlightJobID,
		&lastRunStartedAt, &lastRunCompleted, &lastRunStatus, &state.LastMissedRuns, &state.TotalRuns); err != nil {
		return nil, err
	}

	state.Interval = time.Duration(intervalSeconds) * time.Second
	state.InFlightJobID = inFlightJobID.String
	state.LastRunStatus = scheduler.Status(lastRunStatus.String)

	if lastRunStartedAt.Valid {
		state.LastRunStartedAt = &lastRunStartedAt.Time
	}

	if lastRunCompleted.Valid {
		state.LastRunCompletedAt = &lastRunCompleted.Time
	}

	return &state, nil
}

func scanStates(rows *sql.Rows) ([]*scheduler.State, error) {
	var states []*scheduler.State

	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler store: scan state row: %w", err)
		}

		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler store: iterate state rows: %w", err)
	}

	return states, nil
}
