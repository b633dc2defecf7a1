package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/eventlog"
	"github.com/kura-dev/kura/internal/jobqueue"
)

// maxBatchSize bounds POST /events/batch.
const maxBatchSize = 100

// PostgresEventStore implements eventlog.Store. Every write runs under the
// kura_writer role (insert-only on events, revoked update/delete) and binds
// the active tenant id via set_config('kura.tenant_id', ..., true) so the
// forced row-level-security policy on events scopes the transaction, the
// same "bind tenant context before any insert" discipline.
// Reads made for the Dispatcher/Scheduler set kura.role to 'dispatcher' on
// the same kura_writer connection (the policy's cross-tenant bypass), or bind
// kura.tenant_id when called by the Read Gate.
type PostgresEventStore struct {
	conn   *Connection
	ids    *canon.Generator
	logger *slog.Logger
}

var _ eventlog.Store = (*PostgresEventStore)(nil)

// NewPostgresEventStore constructs a PostgresEventStore. conn must be
// non-nil.
func NewPostgresEventStore(conn *Connection, ids *canon.Generator, logger *slog.Logger) (*PostgresEventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresEventStore{conn: conn, ids: ids, logger: logger}, nil
}

// bindTenant scopes tx to tenantID for the remainder of the transaction,
// following StoreEvent's "bind once at the top of the transaction" shape.
func bindTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	_, err := tx.ExecContext(ctx, `SELECT set_config('kura.tenant_id', $1, true)`, tenantID)
	if err != nil {
		return fmt.Errorf("%w: bind tenant context: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// bindDispatcherRole scopes tx to the elevated, cross-tenant role the
// Dispatcher and Scheduler run under, bypassing the forced per-tenant
// row-level-security policy.
func bindDispatcherRole(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `SELECT set_config('kura.role', 'dispatcher', true)`)
	if err != nil {
		return fmt.Errorf("%w: bind dispatcher role: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// Insert implements eventlog.Store.
func (s *PostgresEventStore) Insert(ctx context.Context, e *eventlog.Event) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := bindTenant(ctx, tx, e.TenantID); err != nil {
		return err
	}

	if err := s.insertOne(ctx, tx, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// insertOne appends e and, in the same transaction, the Enqueue Trigger's
// projection.update job. Returns eventlog.ErrDuplicate on an
// idempotency collision, leaving neither row behind.
func (s *PostgresEventStore) insertOne(ctx context.Context, tx *sql.Tx, e *eventlog.Event) error {
	if e.ID.IsZero() {
		id, err := s.ids.New(time.Now())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		e.ID = id
	}

	if e.ServerTime.IsZero() {
		e.ServerTime = e.ID.Time()
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", ErrEventStoreFailed, err)
	}

	provenance, err := json.Marshal(e.Provenance)
	if err != nil {
		return fmt.Errorf("%w: marshal provenance: %w", ErrEventStoreFailed, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, tenant_id, domain_time, kind, payload, provenance, server_time, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID.String(), e.TenantID, e.DomainTime, e.Kind, payload, provenance, e.ServerTime, e.IdempotencyKey())
	if err != nil {
		if isUniqueViolation(err) {
			return eventlog.ErrDuplicate
		}

		return fmt.Errorf("%w: insert event: %w", ErrEventStoreFailed, err)
	}

	jobPayload, err := json.Marshal(jobqueue.EventEnqueue{
		EventID:  e.ID.String(),
		TenantID: e.TenantID,
		Kind:     e.Kind,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal enqueue payload: %w", ErrEventStoreFailed, err)
	}

	jobID, err := s.ids.New(time.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projection_jobs (id, tenant_id, kind, payload, status, attempt, max_attempts, priority, scheduled_for)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, now())`,
		jobID.String(), e.TenantID, jobqueue.KindProjectionUpdate, jobPayload, defaultMaxAttempts, defaultJobPriority)
	if err != nil {
		return fmt.Errorf("%w: enqueue projection.update job: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// InsertBatch implements eventlog.Store. All-or-nothing: any validation
// failure is the caller's job to check before calling this; any idempotency
// collision here rolls back every item in the batch, per the batch's
// semantics.
func (s *PostgresEventStore) InsertBatch(ctx context.Context, events []*eventlog.Event) error {
	if len(events) == 0 {
		return nil
	}

	if len(events) > maxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds max size %d", ErrEventStoreFailed, len(events), maxBatchSize)
	}

	tenantID := events[0].TenantID

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := bindTenant(ctx, tx, tenantID); err != nil {
		return err
	}

	for _, e := range events {
		if err := s.insertOne(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// ListByTenant implements eventlog.Store using cursor pagination over
// (domain_time desc, id desc), the ordering used for user-facing queries.
func (s *PostgresEventStore) ListByTenant(
	ctx context.Context, tenantID, kind string, after eventlog.Cursor, limit int,
) ([]*eventlog.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := bindTenant(ctx, tx, tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, domain_time, kind, payload, provenance, server_time
		FROM events
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	if after.DomainTime != "" && after.ID != "" {
		args = append(args, after.DomainTime, after.ID)
		query += fmt.Sprintf(" AND (domain_time, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY domain_time DESC, id DESC LIMIT $%d", len(args))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %w", ErrEventStoreFailed, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	return events, tx.Commit()
}

// HistoryForKinds implements eventlog.Store, returning the tenant's rows of
// the given kinds in (domain_time asc, id asc) order for the Dispatcher's
// handler replay. All matching rows are scanned into one slice before it
// returns; the history is not streamed.
func (s *PostgresEventStore) HistoryForKinds(
	ctx context.Context, tenantID string, kinds []string,
) ([]*eventlog.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := bindDispatcherRole(ctx, tx); err != nil {
		return nil, err
	}

	if err := bindTenant(ctx, tx, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, domain_time, kind, payload, provenance, server_time
		FROM events
		WHERE tenant_id = $1 AND kind = ANY($2)
		ORDER BY domain_time ASC, id ASC`,
		tenantID, pq.Array(kinds))
	if err != nil {
		return nil, fmt.Errorf("%w: history for kinds: %w", ErrEventStoreFailed, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	return events, tx.Commit()
}

// OverlayRowsForTargets implements eventlog.Store.
func (s *PostgresEventStore) OverlayRowsForTargets(
	ctx context.Context, tenantID string, targetIDs []string,
) ([]*eventlog.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := bindDispatcherRole(ctx, tx); err != nil {
		return nil, err
	}

	if err := bindTenant(ctx, tx, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, domain_time, kind, payload, provenance, server_time
		FROM events
		WHERE tenant_id = $1
		  AND kind = ANY($2)
		  AND (
		    payload->>'retracted_event_id' = ANY($3)
		    OR payload->>'target_event_id' = ANY($3)
		  )
		ORDER BY domain_time ASC, id ASC`,
		tenantID, pq.Array([]string{eventlog.KindEventRetracted, eventlog.KindSetCorrected}), pq.Array(targetIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: overlay rows: %w", ErrEventStoreFailed, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	return events, tx.Commit()
}

// Get implements eventlog.Store.
func (s *PostgresEventStore) Get(ctx context.Context, tenantID string, id canon.ID) (*eventlog.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := bindTenant(ctx, tx, tenantID); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain_time, kind, payload, provenance, server_time
		FROM events
		WHERE tenant_id = $1 AND id = $2`, tenantID, id.String())

	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: get event: %w", ErrEventStoreFailed, err)
	}

	return e, tx.Commit()
}

// EraseTenant implements eventlog.Store; see tenant_erasure.go for the
// privileged, multi-table procedure this delegates to.
func (s *PostgresEventStore) EraseTenant(ctx context.Context, tenantID string) error {
	_, err := EraseTenant(ctx, s.conn, tenantID)

	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*eventlog.Event, error) {
	var (
		idStr      string
		payload    []byte
		provenance []byte
		e          eventlog.Event
	)

	if err := row.Scan(&idStr, &e.TenantID, &e.DomainTime, &e.Kind, &payload, &provenance, &e.ServerTime); err != nil {
		return nil, err
	}

	id, err := canon.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse event id %q: %w", ErrEventStoreFailed, idStr, err)
	}

	e.ID = id

	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload: %w", ErrEventStoreFailed, err)
	}

	if err := json.Unmarshal(provenance, &e.Provenance); err != nil {
		return nil, fmt.Errorf("%w: unmarshal provenance: %w", ErrEventStoreFailed, err)
	}

	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*eventlog.Event, error) {
	var events []*eventlog.Event

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event row: %w", ErrEventStoreFailed, err)
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate event rows: %w", ErrEventStoreFailed, err)
	}

	return events, nil
}
