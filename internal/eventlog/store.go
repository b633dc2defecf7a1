package eventlog

import (
	"context"
	"errors"

	"github.com/kura-dev/kura/internal/canon"
)

// ErrDuplicate signals a (tenant_id, idempotency_key) collision. The Write
// Gate translates this into the deterministic "event already exists"
// outcome rather than surfacing it as a validation failure.
var ErrDuplicate = errors.New("eventlog: event already exists for this idempotency key")

// Cursor identifies a position in a tenant's event history for pagination.
// The zero value means "from the beginning".
type Cursor struct {
	DomainTime string
	ID         string
}

// Store is the persistence contract for the append-only event log. The
// Write Gate is the only caller of Insert; Dispatcher, Read Gate, and
// Scheduler are the only callers of the read methods.
type Store interface {
	// Insert appends a single event inside its own transaction alongside
	// the Enqueue Trigger's job insert. Returns ErrDuplicate on idempotency
	// collision, leaving no row behind.
	Insert(ctx context.Context, e *Event) error

	// InsertBatch appends a batch atomically: a validation failure or
	// idempotency collision on any item rolls back the whole batch.
	InsertBatch(ctx context.Context, events []*Event) error

	// ListByTenant returns up to limit events for tenant ordered by
	// (domain_time desc, id desc), optionally filtered by kind, strictly
	// after the given cursor.
	ListByTenant(ctx context.Context, tenantID string, kind string, after Cursor, limit int) ([]*Event, error)

	// HistoryForKinds returns the full ordered history (domain_time asc, id
	// asc) of the given kinds for a tenant as one in-memory slice, for
	// Dispatcher replay.
	HistoryForKinds(ctx context.Context, tenantID string, kinds []string) ([]*Event, error)

	// OverlayRowsForTargets returns the event.retracted and set.corrected
	// rows for a tenant whose target id is in targetIDs, so the Dispatcher
	// can build an Overlay without scanning every kind.
	OverlayRowsForTargets(ctx context.Context, tenantID string, targetIDs []string) ([]*Event, error)

	// Get fetches a single event by id, scoped to tenant.
	Get(ctx context.Context, tenantID string, id canon.ID) (*Event, error)

	// EraseTenant permanently deletes every row owned by tenantID. The only
	// operation in the system allowed to delete event log rows; runs under
	// the privileged erasure role, never the Write Gate's insert-only role.
	EraseTenant(ctx context.Context, tenantID string) error
}
