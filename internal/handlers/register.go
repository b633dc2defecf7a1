package handlers

import "github.com/kura-dev/kura/internal/dispatcher"

// RegisterAll registers every handler Kura ships. Called once at startup by
// cmd/kura-api (so the Read Gate's registry agrees on what projection kinds
// exist) and cmd/kura-worker (so the Dispatcher actually runs them).
func RegisterAll(registry *dispatcher.Registry) {
	registry.Register(ExerciseProgression{})
}
