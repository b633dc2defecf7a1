// Package projection defines the domain model and read/write storage
// contracts for Kura's CQRS read side: one row per (tenant_id, kind, key),
// rebuilt wholesale on every matching event by the Dispatcher and served
// read-only by the Read Gate.
package projection

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no row exists for the given key.
var ErrNotFound = errors.New("projection: not found")

// Projection is a single materialized read-model row. Version increases
// monotonically every time the Dispatcher upserts this key; it never
// decreases and never resets.
type Projection struct {
	TenantID     string
	Kind         string
	Key          string
	Data         map[string]interface{}
	Version      int64
	LastSourceID string
	UpdatedAt    time.Time
}

// Store is the persistence contract for projection rows. Write is exclusive
// to the Dispatcher; reads are exclusive to the Read Gate.
type Store interface {
	// Upsert writes Data for (TenantID, Kind, Key), incrementing Version.
	// Implementations must serialize concurrent writers for the same key;
	// Kura relies on the skip-locked job dequeue to guarantee only one
	// worker processes a given (tenant, kind) at a time, so this need not
	// itself take a row lock beyond what a plain UPSERT provides.
	Upsert(ctx context.Context, p *Projection) error

	// Delete removes the row for (tenantID, kind, key), used when a
	// handler's Apply reports an empty terminal state (e.g. after the last
	// contributing event is retracted).
	Delete(ctx context.Context, tenantID, kind, key string) error

	// Get fetches a single projection row. Returns ErrNotFound if no row
	// exists — callers distinguish this from "unknown kind" by checking the
	// handler registry before falling back to a bootstrap response.
	Get(ctx context.Context, tenantID, kind, key string) (*Projection, error)

	// ListKeys returns every key materialized for (tenantID, kind),
	// optionally paginated.
	ListKeys(ctx context.Context, tenantID, kind string, after string, limit int) ([]string, error)

	// EraseTenant permanently deletes every row owned by tenantID.
	EraseTenant(ctx context.Context, tenantID string) error
}

// Bootstrap builds the synthetic "no data yet" response the Read Gate
// returns for a registered kind with no row yet, to avoid a cold-start
// requirement: version 0, a handler-declared empty-but-typed payload.
func Bootstrap(tenantID, kind, key string, template map[string]interface{}) *Projection {
	return &Projection{
		TenantID: tenantID,
		Kind:     kind,
		Key:      key,
		Data:     template,
		Version:  0,
	}
}
