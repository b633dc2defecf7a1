package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kura-dev/kura/internal/eventlog"
)

func setLoggedEvent(exerciseID string, weightKg, reps float64) *eventlog.Event {
	return &eventlog.Event{
		TenantID: "tenant-1",
		Kind:     "set.logged",
		Payload: eventlog.Document{
			"exercise_id": exerciseID,
			"weight_kg":   weightKg,
			"reps":        reps,
		},
	}
}

func TestExerciseProgression_Kinds(t *testing.T) {
	h := ExerciseProgression{}
	assert.Equal(t, []string{"set.logged"}, h.Kinds())
}

func TestExerciseProgression_ProjectionKind(t *testing.T) {
	h := ExerciseProgression{}
	assert.Equal(t, "exercise_progression", h.ProjectionKind())
}

func TestExerciseProgression_KeyFor(t *testing.T) {
	h := ExerciseProgression{}

	t.Run("partitions by exercise_id", func(t *testing.T) {
		key, ok := h.KeyFor(setLoggedEvent("squat", 100, 5))
		require.True(t, ok)
		assert.Equal(t, "squat", key)
	})

	t.Run("missing exercise_id is not keyable", func(t *testing.T) {
		e := setLoggedEvent("squat", 100, 5)
		delete(e.Payload, "exercise_id")

		_, ok := h.KeyFor(e)
		assert.False(t, ok)
	})

	t.Run("empty exercise_id is not keyable", func(t *testing.T) {
		_, ok := h.KeyFor(setLoggedEvent("", 100, 5))
		assert.False(t, ok)
	})

	t.Run("non-string exercise_id is not keyable", func(t *testing.T) {
		e := setLoggedEvent("squat", 100, 5)
		e.Payload["exercise_id"] = 42

		_, ok := h.KeyFor(e)
		assert.False(t, ok)
	})
}

func TestExerciseProgression_Apply(t *testing.T) {
	h := ExerciseProgression{}

	state, err := h.Apply(nil, setLoggedEvent("squat", 102.5, 5))
	require.NoError(t, err)

	lastSet, ok := state["last_set"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 102.5, lastSet["weight_kg"], 0)
	assert.InDelta(t, 5, lastSet["reps"], 0)
}

func TestExerciseProgression_Apply_LatestEventWins(t *testing.T) {
	h := ExerciseProgression{}

	first, err := h.Apply(nil, setLoggedEvent("squat", 100, 5))
	require.NoError(t, err)

	second, err := h.Apply(first, setLoggedEvent("squat", 110, 3))
	require.NoError(t, err)

	lastSet := second["last_set"].(map[string]interface{})
	assert.InDelta(t, 110, lastSet["weight_kg"], 0)
	assert.InDelta(t, 3, lastSet["reps"], 0)
}

func TestExerciseProgression_Bootstrap(t *testing.T) {
	h := ExerciseProgression{}

	bootstrap := h.Bootstrap()
	assert.Nil(t, bootstrap["last_set"])
}
