package eventlog

import (
	"errors"
	"fmt"
)

// Sentinel errors for structural validation. The Write Gate maps these to a
// validation_failed response carrying the offending field and a hint.
var (
	ErrNilEvent              = errors.New("event cannot be nil")
	ErrMissingKind           = errors.New("kind is required")
	ErrPayloadNotObject      = errors.New("payload must be a structured object")
	ErrProvenanceNotObject   = errors.New("provenance must be a structured object")
	ErrMissingDomainTime     = errors.New("domain_time is required and must be parseable")
	ErrMissingIdempotencyKey = errors.New("provenance.idempotency_key is required and must be non-empty")
)

// FieldError pairs a structural error with the offending field name and a
// human-readable hint, matching the Write Gate's validation_failed envelope.
type FieldError struct {
	Err   error
	Field string
	Hint  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// InvariantError is a kind-specific critical invariant violation. Code is the
// stable machine-readable inv_* identifier the Write Gate returns as `error`.
type InvariantError struct {
	Code string
	Msg  string
}

func (e *InvariantError) Error() string {
	return e.Msg
}

func newInvariantError(code, msg string) *InvariantError {
	return &InvariantError{Code: code, Msg: msg}
}

const (
	maxProjectionRuleListSize = 64

	// inv_* codes for event.retracted.
	InvRetractionTargetMissing = "inv_retraction_target_missing"

	// inv_* codes for set.corrected.
	InvCorrectionTargetMissing       = "inv_set_correction_target_missing"
	InvCorrectionChangedFieldsEmpty  = "inv_set_correction_changed_fields_empty"

	// inv_* codes for projection_rule.created.
	InvProjectionRuleNameMissing        = "inv_projection_rule_name_missing"
	InvProjectionRuleTypeMissing        = "inv_projection_rule_type_missing"
	InvProjectionRuleSourceEventsEmpty  = "inv_projection_rule_source_events_empty"
	InvProjectionRuleFieldsEmpty        = "inv_projection_rule_fields_empty"
	InvProjectionRuleListTooLarge       = "inv_projection_rule_list_too_large"
	InvProjectionRuleGroupByNotInFields = "inv_projection_rule_group_by_not_in_fields"

	// inv_* codes for projection_rule.archived.
	InvProjectionRuleArchivedNameMissing = "inv_projection_rule_archived_name_missing"
)

// Validator applies the Write Gate's structural and invariant checks. It is
// stateless and safe for concurrent use.
type Validator struct{}

// NewValidator returns a ready-to-use Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateStructure applies the kind-agnostic checks every event must pass
// before it is eligible for kind-specific invariant checking or storage.
func (v *Validator) ValidateStructure(e *Event) error {
	if e == nil {
		return ErrNilEvent
	}

	if e.Kind == "" {
		return &FieldError{Err: ErrMissingKind, Field: "kind", Hint: "kind must be a non-empty string"}
	}

	if e.Payload == nil {
		return &FieldError{Err: ErrPayloadNotObject, Field: "payload", Hint: "payload must be a JSON object"}
	}

	if e.Provenance == nil {
		return &FieldError{Err: ErrProvenanceNotObject, Field: "provenance", Hint: "provenance must be a JSON object"}
	}

	if e.DomainTime.IsZero() {
		return &FieldError{
			Err:   ErrMissingDomainTime,
			Field: "domain_time",
			Hint:  "domain_time must be an RFC 3339 timestamp",
		}
	}

	if e.IdempotencyKey() == "" {
		return &FieldError{
			Err:   ErrMissingIdempotencyKey,
			Field: "provenance.idempotency_key",
			Hint:  "provenance.idempotency_key must be a non-empty string",
		}
	}

	return nil
}

// ValidateInvariants applies the kind-specific critical invariants for the
// small set of kinds the core understands. Unknown kinds pass trivially:
// conventions beyond the structural minimum live in handlers, not the gate.
func (v *Validator) ValidateInvariants(e *Event) error {
	switch e.Kind {
	case KindEventRetracted:
		return v.validateRetraction(e)
	case KindSetCorrected:
		return v.validateCorrection(e)
	case KindProjectionRuleNew:
		return v.validateProjectionRuleCreated(e)
	case KindProjectionRuleDead:
		return v.validateProjectionRuleArchived(e)
	default:
		return nil
	}
}

func (v *Validator) validateRetraction(e *Event) error {
	if _, ok := e.RetractedEventID(); !ok {
		return newInvariantError(InvRetractionTargetMissing,
			"event.retracted payload.retracted_event_id must be a non-empty string")
	}

	return nil
}

func (v *Validator) validateCorrection(e *Event) error {
	targetID, _ := e.Payload["target_event_id"].(string)
	if targetID == "" {
		return newInvariantError(InvCorrectionTargetMissing,
			"set.corrected payload.target_event_id must be a non-empty string")
	}

	_, changedFields, ok := e.CorrectionTarget()
	if !ok || len(changedFields) == 0 {
		return newInvariantError(InvCorrectionChangedFieldsEmpty,
			"set.corrected payload.changed_fields must be a non-empty object")
	}

	return nil
}

func (v *Validator) validateProjectionRuleCreated(e *Event) error {
	name, _ := e.Payload["name"].(string)
	if name == "" {
		return newInvariantError(InvProjectionRuleNameMissing,
			"projection_rule.created payload.name must be a non-empty string")
	}

	ruleType, _ := e.Payload["rule_type"].(string)
	if ruleType == "" {
		return newInvariantError(InvProjectionRuleTypeMissing,
			"projection_rule.created payload.rule_type must be a non-empty string")
	}

	sourceEvents, err := stringList(e.Payload["source_events"])
	if err != nil || len(sourceEvents) == 0 {
		return newInvariantError(InvProjectionRuleSourceEventsEmpty,
			"projection_rule.created payload.source_events must be a non-empty list")
	}

	if len(sourceEvents) > maxProjectionRuleListSize {
		return newInvariantError(InvProjectionRuleListTooLarge,
			"projection_rule.created payload.source_events exceeds the maximum list size")
	}

	fields, err := stringList(e.Payload["fields"])
	if err != nil || len(fields) == 0 {
		return newInvariantError(InvProjectionRuleFieldsEmpty,
			"projection_rule.created payload.fields must be a non-empty list")
	}

	if len(fields) > maxProjectionRuleListSize {
		return newInvariantError(InvProjectionRuleListTooLarge,
			"projection_rule.created payload.fields exceeds the maximum list size")
	}

	if groupBy, ok := e.Payload["group_by"].(string); ok && groupBy != "" {
		if !contains(fields, groupBy) {
			return newInvariantError(InvProjectionRuleGroupByNotInFields,
				"projection_rule.created payload.group_by must be one of payload.fields")
		}
	}

	return nil
}

func (v *Validator) validateProjectionRuleArchived(e *Event) error {
	name, _ := e.Payload["name"].(string)
	if name == "" {
		return newInvariantError(InvProjectionRuleArchivedNameMissing,
			"projection_rule.archived payload.name must be a non-empty string")
	}

	return nil
}

// stringList coerces a decoded-JSON interface{} slice into a []string,
// failing if any element is not a string.
func stringList(raw interface{}) ([]string, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}

	out := make([]string, 0, len(items))

	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string element, got %T", item)
		}

		out = append(out, s)
	}

	return out, nil
}

func contains(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}

	return false
}
