package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/eventlog"
)

func testID(t *testing.T, s string) canon.ID {
	t.Helper()

	// Pad to a valid 26-char ULID so distinct suffixes sort deterministically.
	for len(s) < 26 {
		s = "0" + s
	}

	id, err := canon.ParseID(s)
	require.NoError(t, err)

	return id
}

func setLoggedEvent(t *testing.T, idSuffix string, weightKg float64) *eventlog.Event {
	return &eventlog.Event{
		ID:         testID(t, idSuffix),
		TenantID:   "tenant-1",
		Kind:       "set.logged",
		DomainTime: time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC),
		Payload:    eventlog.Document{"exercise_id": "squat", "weight_kg": weightKg},
	}
}

func retractionEvent(t *testing.T, idSuffix, targetIDSuffix string) *eventlog.Event {
	return &eventlog.Event{
		ID:       testID(t, idSuffix),
		TenantID: "tenant-1",
		Kind:     eventlog.KindEventRetracted,
		Payload:  eventlog.Document{"retracted_event_id": testID(t, targetIDSuffix).String()},
	}
}

func correctionEvent(t *testing.T, idSuffix, targetIDSuffix string, changed map[string]interface{}) *eventlog.Event {
	return &eventlog.Event{
		ID:       testID(t, idSuffix),
		TenantID: "tenant-1",
		Kind:     eventlog.KindSetCorrected,
		Payload: eventlog.Document{
			"target_event_id": testID(t, targetIDSuffix).String(),
			"changed_fields":  changed,
		},
	}
}

func TestOverlay_NoCompensatingEvents(t *testing.T) {
	history := []*eventlog.Event{
		setLoggedEvent(t, "1", 100),
		setLoggedEvent(t, "2", 105),
	}

	overlay := BuildOverlay(history)
	out := overlay.Apply(history)

	require.Len(t, out, 2)
	assert.InDelta(t, 100.0, out[0].Payload["weight_kg"], 0)
	assert.InDelta(t, 105.0, out[1].Payload["weight_kg"], 0)
}

func TestOverlay_Retraction(t *testing.T) {
	logged := setLoggedEvent(t, "1", 100)
	retraction := retractionEvent(t, "2", "1")
	history := []*eventlog.Event{logged, retraction}

	overlay := BuildOverlay(history)
	out := overlay.Apply(history)

	for _, e := range out {
		assert.NotEqual(t, logged.ID.String(), e.ID.String(), "retracted event must not survive the overlay")
	}
}

func TestOverlay_Correction(t *testing.T) {
	logged := setLoggedEvent(t, "1", 100)
	correction := correctionEvent(t, "2", "1", map[string]interface{}{"weight_kg": 110.0})
	history := []*eventlog.Event{logged, correction}

	overlay := BuildOverlay(history)
	out := overlay.Apply(history)

	require.Len(t, out, 1)
	assert.InDelta(t, 110.0, out[0].Payload["weight_kg"], 0)
	assert.Equal(t, "squat", out[0].Payload["exercise_id"], "unrelated fields survive a correction untouched")
}

func TestOverlay_LaterCorrectionWins(t *testing.T) {
	logged := setLoggedEvent(t, "1", 100)
	firstCorrection := correctionEvent(t, "2", "1", map[string]interface{}{"weight_kg": 110.0})
	secondCorrection := correctionEvent(t, "3", "1", map[string]interface{}{"weight_kg": 120.0})
	history := []*eventlog.Event{logged, firstCorrection, secondCorrection}

	overlay := BuildOverlay(history)
	out := overlay.Apply(history)

	require.Len(t, out, 1)
	assert.InDelta(t, 120.0, out[0].Payload["weight_kg"], 0)
}

func TestOverlay_RetractionRemovesOnlyContributingEvent(t *testing.T) {
	logged := setLoggedEvent(t, "1", 100)
	retraction := retractionEvent(t, "2", "1")
	history := []*eventlog.Event{logged, retraction}

	overlay := BuildOverlay(history)
	out := overlay.Apply(history)

	assert.Empty(t, out, "a key whose only event was retracted must overlay to an empty view")
}
