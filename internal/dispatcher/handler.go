// Package dispatcher routes projection.update jobs to registered handlers,
// replays each handler's declared event kinds with retraction/correction
// overlay applied, and manages the job queue's retry, dead-lettering, and
// lease-reclaim housekeeping.
package dispatcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kura-dev/kura/internal/eventlog"
)

// Handler recomputes a projection's state from the full, ordered,
// overlay-filtered history of its declared event kinds. Handlers never see
// another handler's state; the Dispatcher does not wrap a handler's
// projection writes in a transaction.
type Handler interface {
	// Kinds returns the event kinds this handler subscribes to. The
	// Dispatcher reads only rows whose Kind is in this set when replaying
	// history for this handler.
	Kinds() []string

	// ProjectionKind is the kind component of the (tenant_id, kind, key)
	// projection this handler owns.
	ProjectionKind() string

	// KeyFor extracts the projection key an event contributes to. Returning
	// ok=false skips the event (it belongs to a different key partition of
	// the same kind).
	KeyFor(e *eventlog.Event) (key string, ok bool)

	// Apply folds one event into the running state. state is nil on the
	// first call for a given replay. Returning a nil state signals the
	// projection should be removed rather than upserted.
	Apply(state map[string]interface{}, e *eventlog.Event) (map[string]interface{}, error)

	// Bootstrap returns the synthetic, empty-but-typed payload the Read
	// Gate serves for a key that has never received a matching event,
	// distinguishing "no data yet" (200) from "unknown kind" (404).
	Bootstrap() map[string]interface{}
}

// Registry holds process-level handler registration. Registration happens
// once at startup and is read-only afterward, the same discipline
// middleware.Apply's Option chain follows.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[string][]Handler
	byPKind  map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind:  make(map[string][]Handler),
		byPKind: make(map[string]Handler),
	}
}

// Register adds a handler for its declared kinds. Registering two handlers
// under the same ProjectionKind is a programming error and panics, the same
// way a duplicate net/http route registration does.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkind := h.ProjectionKind()
	if _, exists := r.byPKind[pkind]; exists {
		panic(fmt.Sprintf("dispatcher: handler for projection kind %q already registered", pkind))
	}

	r.byPKind[pkind] = h

	for _, kind := range h.Kinds() {
		r.byKind[kind] = append(r.byKind[kind], h)
	}
}

// HandlersFor returns the handlers subscribed to kind, in registration order.
func (r *Registry) HandlersFor(kind string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Handler(nil), r.byKind[kind]...)
}

// ByProjectionKind looks up the handler owning a projection kind, used by
// the Read Gate to decide "unknown kind" (404) vs "no data yet" (200).
func (r *Registry) ByProjectionKind(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byPKind[kind]

	return h, ok
}

// ProjectionKinds returns every registered projection kind, sorted for
// deterministic listing endpoints.
func (r *Registry) ProjectionKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.byPKind))
	for k := range r.byPKind {
		kinds = append(kinds, k)
	}

	sort.Strings(kinds)

	return kinds
}
