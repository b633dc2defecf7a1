// Package handlers holds the concrete dispatcher.Handler implementations
// Kura ships, registered once at startup by cmd/kura-api and
// cmd/kura-worker (never via package-level init side effects, per the
// Dispatcher's "explicit process-level registration" discipline).
package handlers

import (
	"github.com/kura-dev/kura/internal/eventlog"
)

// ExerciseProgression folds set.logged events into a per-exercise "last set"
// projection, keyed by payload.exercise_id. It is the reference handler for
// the write-path scenarios: S1 (happy path), S3 (retraction), S4
// (correction), and S6 (tenant isolation / bootstrap) all exercise it.
type ExerciseProgression struct{}

var _ handlerKinds = ExerciseProgression{}

// handlerKinds exists only so the var assertion above gives a compile error
// naming this file if the dispatcher.Handler method set ever drifts.
type handlerKinds interface {
	Kinds() []string
	ProjectionKind() string
	KeyFor(e *eventlog.Event) (string, bool)
	Apply(state map[string]interface{}, e *eventlog.Event) (map[string]interface{}, error)
	Bootstrap() map[string]interface{}
}

// Kinds implements dispatcher.Handler. The Dispatcher resolves a
// compensating event (event.retracted, set.corrected) to its target's kind
// before selecting handlers to run, and applies retraction/correction
// overlay to the replayed history before Apply ever runs, so this handler
// never sees those kinds directly and declares only the kind it folds.
func (ExerciseProgression) Kinds() []string {
	return []string{"set.logged"}
}

// ProjectionKind implements dispatcher.Handler.
func (ExerciseProgression) ProjectionKind() string {
	return "exercise_progression"
}

// KeyFor implements dispatcher.Handler, partitioning by exercise.
func (ExerciseProgression) KeyFor(e *eventlog.Event) (string, bool) {
	exerciseID, ok := e.Payload["exercise_id"].(string)
	if !ok || exerciseID == "" {
		return "", false
	}

	return exerciseID, true
}

// Apply implements dispatcher.Handler. Each exercise_id partition only ever
// sees set.logged events, so the latest one in (domain_time, id) order is
// always the current "last set" - no fold state beyond the most recent
// event is needed.
func (ExerciseProgression) Apply(
	_ map[string]interface{}, e *eventlog.Event,
) (map[string]interface{}, error) {
	return map[string]interface{}{
		"last_set": map[string]interface{}{
			"weight_kg": e.Payload["weight_kg"],
			"reps":      e.Payload["reps"],
		},
	}, nil
}

// Bootstrap implements dispatcher.Handler: the synthetic, empty-but-typed
// response for a key with no matching event yet ("no data yet" vs
// "unknown kind" distinction; S6).
func (ExerciseProgression) Bootstrap() map[string]interface{} {
	return map[string]interface{}{
		"last_set": nil,
	}
}
