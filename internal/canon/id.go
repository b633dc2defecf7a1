// Package canon provides canonical, time-sortable identifier generation shared
// across the core: events, jobs, and projections all key off the same scheme.
package canon

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonically increasing, time-sortable 128-bit ids.
//
// A single Generator must be shared by every writer in a process: ulid's
// monotonic entropy source only guarantees strict ordering for ids minted
// through the same *ulid.MonotonicEntropy, so a fresh Generator per request
// would silently drop the monotonic guarantee under concurrency.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates a Generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// New mints a new id for the given instant. Callers on the hot path should
// pass time.Now(); New exists separately so the enqueue trigger and the event
// gate can assign both the event id and its server_time from one call.
func (g *Generator) New(t time.Time) (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), g.entropy)
	if err != nil {
		return ID{}, fmt.Errorf("canon: generate id: %w", err)
	}

	return ID(id), nil
}

// ID is a time-sortable 128-bit identifier. It is stored and compared as text
// (ulid.ULID.String() is lexicographically sortable by construction).
type ID ulid.ULID

// String returns the canonical 26-character Crockford base32 encoding.
func (id ID) String() string {
	return ulid.ULID(id).String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Time returns the millisecond timestamp embedded in the id.
func (id ID) Time() time.Time {
	return ulid.Time(ulid.ULID(id).Time())
}

// ParseID decodes the canonical text form of an ID.
func ParseID(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("canon: parse id %q: %w", s, err)
	}

	return ID(u), nil
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as their
// canonical string form in JSON responses.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}
