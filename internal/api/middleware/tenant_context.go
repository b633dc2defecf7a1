// Package middleware provides HTTP middleware components for Kura's API façade.
package middleware

import (
	"context"
	"time"
)

// callerContextKey is the context key for authenticated caller information.
// Using a struct type ensures type safety and prevents collisions with other
// context keys.
type callerContextKey struct{}

// CallerContext contains authenticated service-caller information enriched
// in the request context by AuthenticateTenant after successful API key
// validation. TenantID is additionally bound onto the context via
// internal/tenant.WithID so storage methods never need to import this
// package.
type CallerContext struct {
	// TenantID is the tenant this API key is scoped to.
	TenantID string

	// Name is the human-readable caller name for logging and display.
	Name string

	// Permissions are the authorization scopes granted to this key.
	Permissions []string

	// KeyID is the API key ID used for authentication (for audit logging).
	KeyID string

	// AuthTime is the timestamp when authentication occurred.
	AuthTime time.Time
}

// GetCallerContext extracts caller context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
func GetCallerContext(ctx context.Context) (CallerContext, bool) {
	callerCtx, ok := ctx.Value(callerContextKey{}).(CallerContext)

	return callerCtx, ok
}

// SetCallerContext adds caller context to the request context.
func SetCallerContext(ctx context.Context, callerCtx CallerContext) context.Context {
	return context.WithValue(ctx, callerContextKey{}, callerCtx)
}
