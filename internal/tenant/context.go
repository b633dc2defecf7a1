// Package tenant carries the active tenant id on context.Context and
// resolves per-tenant display preferences (timezone). Every Write Gate and
// Read Gate call path binds a tenant id before touching storage; the
// Dispatcher and Scheduler instead iterate tenants under an elevated role
// and never read this context key.
package tenant

import (
	"context"
	"errors"
)

// tenantIDKey is the context key for the active tenant id. A struct type
// keeps it collision-proof against other packages' context keys, the same
// idiom internal/api/middleware/correlation.go uses for correlation ids.
type tenantIDKey struct{}

// ErrNoTenant is returned by RequireID when the context carries no tenant
// binding. Handlers and storage methods that require tenant scoping should
// treat this as a programming error, not a client-facing one: the HTTP
// façade's tenant-auth middleware must bind one before any domain call.
var ErrNoTenant = errors.New("tenant: no tenant bound on context")

// WithID returns a copy of ctx carrying id as the active tenant.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, id)
}

// IDFromContext extracts the active tenant id, if one is bound.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey{}).(string)

	return id, ok && id != ""
}

// RequireID extracts the active tenant id or returns ErrNoTenant. The HTTP
// handlers in internal/api call this before any tenant-scoped storage call
// so a missing binding fails loudly; storage methods take the tenant id as
// an explicit argument and do not read it from the context.
func RequireID(ctx context.Context) (string, error) {
	id, ok := IDFromContext(ctx)
	if !ok {
		return "", ErrNoTenant
	}

	return id, nil
}
