// Package eventlog defines the domain model for Kura's append-only event log:
// the Event entity, its structural invariants, and the kind-specific
// "critical invariant" checks the Write Gate applies before an event is ever
// handed to storage.
package eventlog

import (
	"time"

	"github.com/kura-dev/kura/internal/canon"
)

// Document is a free-form, unschema'd structured payload. The core does not
// interpret its contents beyond the small set of invariants in Validate;
// handlers own the meaning of individual fields.
type Document map[string]interface{}

// Event is the append-only unit of the log. Once inserted it is never
// mutated; the only way to remove one is the tenant-erasure procedure.
type Event struct {
	ID         canon.ID
	TenantID   string
	DomainTime time.Time
	Kind       string
	Payload    Document
	Provenance Document
	ServerTime time.Time
}

// IdempotencyKey extracts the caller-supplied deduplication key from
// provenance. Structural validation guarantees this is non-empty by the time
// an Event reaches storage.
func (e *Event) IdempotencyKey() string {
	key, _ := e.Provenance["idempotency_key"].(string)

	return key
}

// well-known kinds the Write Gate and Dispatcher special-case for
// compensating-event semantics. Every other kind is opaque to the core.
const (
	KindEventRetracted     = "event.retracted"
	KindSetCorrected       = "set.corrected"
	KindProjectionRuleNew  = "projection_rule.created"
	KindProjectionRuleDead = "projection_rule.archived"
)

// RetractedEventID returns the target of an event.retracted payload.
// Callers must first confirm Kind == KindEventRetracted.
func (e *Event) RetractedEventID() (string, bool) {
	id, ok := e.Payload["retracted_event_id"].(string)

	return id, ok && id != ""
}

// CorrectionTarget returns the target event id and changed-fields map of a
// set.corrected payload. Callers must first confirm Kind == KindSetCorrected.
func (e *Event) CorrectionTarget() (targetID string, changedFields Document, ok bool) {
	targetID, hasTarget := e.Payload["target_event_id"].(string)
	if !hasTarget || targetID == "" {
		return "", nil, false
	}

	raw, hasFields := e.Payload["changed_fields"]
	if !hasFields {
		return "", nil, false
	}

	changed, ok := raw.(map[string]interface{})
	if !ok {
		return "", nil, false
	}

	return targetID, Document(changed), true
}
