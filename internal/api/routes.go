// Package api provides Kura's HTTP API server: the Write Gate and Read Gate façade.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kura-dev/kura/internal/api/middleware"
	"github.com/kura-dev/kura/internal/eventlog"
	"github.com/kura-dev/kura/internal/projection"
	"github.com/kura-dev/kura/internal/tenant"
)

const (
	healthCheckTimeout    = 2 * time.Second
	expectedURLParts      = 2
	defaultListLimit      = 50
	maxListLimit          = 500
	defaultBatchSizeLimit = 100
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// ErrorEnvelope is the domain error shape: a stable machine
	// readable code, an optional offending field, and an optional docs hint.
	// HTTP status is coarse routing only — error is the contract clients
	// program against.
	ErrorEnvelope struct {
		Error    string `json:"error,omitempty"`
		Field    string `json:"field,omitempty"`
		DocsHint string `json:"docs_hint,omitempty"` //nolint: tagliatelle
	}

	// EventRequest is the wire shape of a single event submission.
	EventRequest struct {
		Kind       string             `json:"kind"`
		DomainTime string             `json:"domain_time"` //nolint: tagliatelle
		Payload    eventlog.Document  `json:"payload"`
		Provenance eventlog.Document  `json:"provenance"`
	}

	// EventResult is the per-item outcome for a single event insert, used by
	// both the single-event and batch endpoints so the response shape is
	// uniform regardless of how many events were submitted.
	EventResult struct {
		Index     int    `json:"index"`
		EventID   string `json:"event_id,omitempty"`   //nolint: tagliatelle
		Duplicate bool   `json:"duplicate,omitempty"`
		ErrorEnvelope
	}

	// EventView is the read representation of a stored event.
	EventView struct {
		ID         string            `json:"id"`
		Kind       string            `json:"kind"`
		DomainTime time.Time         `json:"domain_time"` //nolint: tagliatelle
		Payload    eventlog.Document `json:"payload"`
		Provenance eventlog.Document `json:"provenance"`
		ServerTime time.Time         `json:"server_time"` //nolint: tagliatelle
	}

	// EventListResponse is the response for GET /api/v1/events.
	EventListResponse struct {
		Events []EventView `json:"events"`
		Cursor string      `json:"cursor,omitempty"`
	}

	// ProjectionView is the response for GET /api/v1/projections/{kind}/{key}.
	ProjectionView struct {
		Kind      string                 `json:"kind"`
		Key       string                 `json:"key"`
		Data      map[string]interface{} `json:"data"`
		Version   int64                  `json:"version"`
		UpdatedAt *time.Time             `json:"updated_at,omitempty"` //nolint: tagliatelle
	}

	// ProjectionKeysResponse is the response for GET /api/v1/projections/{kind}.
	ProjectionKeysResponse struct {
		Keys   []string `json:"keys"`
		Cursor string   `json:"cursor,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // Basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // Catch-all handler for 404 responses
	)

	// Write Gate
	mux.HandleFunc("POST /api/v1/events", s.handleCreateEvent)
	mux.HandleFunc("POST /api/v1/events/batch", s.handleCreateEventBatch)

	// Read Gate
	mux.HandleFunc("GET /api/v1/events", s.handleListEvents)
	mux.HandleFunc("GET /api/v1/projections/{kind}/{key}", s.handleGetProjection)
	mux.HandleFunc("GET /api/v1/projections/{kind}", s.handleListProjectionKeys)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes with storage backend health checks.
//
// Response codes:
//   - 200 OK: storage backends are healthy and ready to serve traffic
//   - 503 Service Unavailable: a storage backend is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.apiKeyStore == nil { // pragma: allowlist secret
		s.logger.Warn("API key store not configured - readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		s.writePlain(w, r, http.StatusOK, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.apiKeyStore.HealthCheck(ctx); err != nil {
		s.logger.Error("storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writePlain(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writePlain(w, r, http.StatusOK, "ready")
}

func (s *Server) writePlain(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "kura",
		Version:     "v1.0.0",
		Uptime:      uptime,
	}

	s.writeJSON(w, r, http.StatusOK, health)
}

// handleNotFound returns an RFC 7807 404 for unknown endpoints (ambient
// infrastructure, not a domain operation — domain reads/writes use the
// {error, field?, docs_hint?} envelope instead, see writeError).
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("the requested resource was not found"))
}

// writeJSON marshals v and writes it with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrorEnvelope{Error: "internal_error"})

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// writeError writes the error envelope at the given HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, env ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("failed to encode error envelope",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleCreateEvent handles POST /api/v1/events: a single event insert.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		s.writeError(w, r, http.StatusUnsupportedMediaType, ErrorEnvelope{Error: "unsupported_media_type"})

		return
	}

	var req EventRequest
	if env, status, ok := s.decodeJSON(r, &req); !ok {
		s.writeError(w, r, status, env)

		return
	}

	e, env, status, ok := s.buildEvent(r.Context(), &req)
	if !ok {
		s.writeError(w, r, status, env)

		return
	}

	if err := s.events.Insert(r.Context(), e); err != nil {
		if errors.Is(err, eventlog.ErrDuplicate) {
			s.writeJSON(w, r, http.StatusOK, EventResult{EventID: e.ID.String(), Duplicate: true})

			return
		}

		s.logger.Error("event insert failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrorEnvelope{Error: "storage_unavailable"})

		return
	}

	s.wakeDispatcher()

	s.writeJSON(w, r, http.StatusOK, EventResult{EventID: e.ID.String()})
}

// handleCreateEventBatch handles POST /api/v1/events/batch: an atomic batch
// insert. Every item is structurally and invariant-validated before any
// storage call; a single invalid item fails the whole batch, matching
// eventlog.Store.InsertBatch's all-or-nothing contract.
func (s *Server) handleCreateEventBatch(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		s.writeError(w, r, http.StatusUnsupportedMediaType, ErrorEnvelope{Error: "unsupported_media_type"})

		return
	}

	var reqs []EventRequest
	if env, status, ok := s.decodeJSON(r, &reqs); !ok {
		s.writeError(w, r, status, env)

		return
	}

	if len(reqs) == 0 {
		s.writeError(w, r, http.StatusBadRequest, ErrorEnvelope{Error: "validation_failed", Field: "body"})

		return
	}

	if len(reqs) > defaultBatchSizeLimit {
		s.writeError(w, r, http.StatusBadRequest, ErrorEnvelope{
			Error: "validation_failed",
			Field: "body",
			DocsHint: fmt.Sprintf("batch size exceeds maximum of %d", defaultBatchSizeLimit),
		})

		return
	}

	events := make([]*eventlog.Event, len(reqs))
	results := make([]EventResult, len(reqs))

	for i := range reqs {
		e, env, status, ok := s.buildEvent(r.Context(), &reqs[i])
		if !ok {
			// Report every item's validation outcome in request order, but
			// since the batch is all-or-nothing, none are stored.
			results[i] = EventResult{Index: i, ErrorEnvelope: env}

			for j := range reqs {
				if j != i && results[j].Error == "" {
					results[j] = EventResult{Index: j, ErrorEnvelope: ErrorEnvelope{Error: "batch_aborted"}}
				}
			}

			s.writeJSON(w, r, status, results)

			return
		}

		events[i] = e
		results[i] = EventResult{Index: i}
	}

	if err := s.events.InsertBatch(r.Context(), events); err != nil {
		if errors.Is(err, eventlog.ErrDuplicate) {
			// InsertBatch rolls the whole batch back on the first collision
			// and does not report which item it was; the contract only requires the
			// outcome be deterministic, not that every item's event_id be
			// resolvable when none were durably stored.
			for i := range results {
				results[i] = EventResult{Index: i, Duplicate: true}
			}

			s.writeJSON(w, r, http.StatusOK, results)

			return
		}

		s.logger.Error("batch insert failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrorEnvelope{Error: "storage_unavailable"})

		return
	}

	s.wakeDispatcher()

	for i, e := range events {
		results[i] = EventResult{Index: i, EventID: e.ID.String()}
	}

	s.writeJSON(w, r, http.StatusOK, results)
}

// buildEvent decodes domain_time, binds the tenant context, and runs
// structural then invariant validation on a submitted event.
func (s *Server) buildEvent(ctx context.Context, req *EventRequest) (*eventlog.Event, ErrorEnvelope, int, bool) {
	tenantID, err := tenant.RequireID(ctx)
	if err != nil {
		return nil, ErrorEnvelope{Error: "unauthenticated"}, http.StatusUnauthorized, false
	}

	domainTime, err := time.Parse(time.RFC3339, req.DomainTime)
	if err != nil {
		return nil, ErrorEnvelope{
			Error: "validation_failed",
			Field: "domain_time",
			DocsHint: "domain_time must be an RFC 3339 timestamp",
		}, http.StatusBadRequest, false
	}

	e := &eventlog.Event{
		TenantID:   tenantID,
		DomainTime: domainTime,
		Kind:       req.Kind,
		Payload:    req.Payload,
		Provenance: req.Provenance,
	}

	if err := s.validator.ValidateStructure(e); err != nil {
		var fieldErr *eventlog.FieldError
		if errors.As(err, &fieldErr) {
			return nil, ErrorEnvelope{Error: "validation_failed", Field: fieldErr.Field, DocsHint: fieldErr.Hint},
				http.StatusBadRequest, false
		}

		return nil, ErrorEnvelope{Error: "validation_failed"}, http.StatusBadRequest, false
	}

	if err := s.validator.ValidateInvariants(e); err != nil {
		var invErr *eventlog.InvariantError
		if errors.As(err, &invErr) {
			return nil, ErrorEnvelope{Error: invErr.Code, DocsHint: invErr.Msg}, http.StatusUnprocessableEntity, false
		}

		return nil, ErrorEnvelope{Error: "invariant_violation"}, http.StatusUnprocessableEntity, false
	}

	return e, ErrorEnvelope{}, 0, true
}

// wakeDispatcher signals the Dispatcher that new work may be available, if a
// wake callback was configured. Correctness never depends on this signal
// being received; the Dispatcher's poll timer is the fallback.
func (s *Server) wakeDispatcher() {
	if s.wake != nil {
		s.wake()
	}
}

// decodeJSON decodes r's body into v, bounding the body to MaxRequestSize and
// rejecting trailing garbage. Returns ok=false with a populated envelope and
// status on any failure.
func (s *Server) decodeJSON(r *http.Request, v interface{}) (ErrorEnvelope, int, bool) {
	if r.ContentLength > s.config.MaxRequestSize {
		return ErrorEnvelope{Error: "payload_too_large"}, http.StatusRequestEntityTooLarge, false
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))

	if err := decoder.Decode(v); err != nil {
		return ErrorEnvelope{Error: "validation_failed", Field: "body", DocsHint: err.Error()},
			http.StatusBadRequest, false
	}

	return ErrorEnvelope{}, 0, true
}

// handleListEvents handles GET /api/v1/events?after=<cursor>&kind=<str>&limit=<n>.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.RequireID(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, ErrorEnvelope{Error: "unauthenticated"})

		return
	}

	kind := r.URL.Query().Get("kind")
	limit := parseLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)

	after, err := decodeCursor(r.URL.Query().Get("after"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrorEnvelope{Error: "validation_failed", Field: "after"})

		return
	}

	events, err := s.events.ListByTenant(r.Context(), tenantID, kind, after, limit)
	if err != nil {
		s.logger.Error("list events failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrorEnvelope{Error: "storage_unavailable"})

		return
	}

	resp := EventListResponse{Events: make([]EventView, len(events))}

	for i, e := range events {
		resp.Events[i] = EventView{
			ID:         e.ID.String(),
			Kind:       e.Kind,
			DomainTime: e.DomainTime,
			Payload:    e.Payload,
			Provenance: e.Provenance,
			ServerTime: e.ServerTime,
		}
	}

	if len(events) == limit {
		last := events[len(events)-1]
		resp.Cursor = encodeCursor(eventlog.Cursor{DomainTime: last.DomainTime.Format(time.RFC3339Nano), ID: last.ID.String()})
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleGetProjection handles GET /api/v1/projections/{kind}/{key}.
//
// Returns the stored row, a bootstrap response (version 0, synthetic data)
// when the handler is registered but no row exists yet, or 404 when kind
// names no registered handler — distinguishing "no data yet" from "unknown
// kind".
func (s *Server) handleGetProjection(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.RequireID(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, ErrorEnvelope{Error: "unauthenticated"})

		return
	}

	kind := r.PathValue("kind")
	key := r.PathValue("key")

	p, err := s.projections.Get(r.Context(), tenantID, kind, key)
	if err != nil {
		if errors.Is(err, projection.ErrNotFound) {
			handler, registered := s.registryLookup(kind)
			if !registered {
				s.writeError(w, r, http.StatusNotFound, ErrorEnvelope{Error: "unknown_kind", Field: "kind"})

				return
			}

			boot := projection.Bootstrap(tenantID, kind, key, handler.Bootstrap())
			s.writeJSON(w, r, http.StatusOK, ProjectionView{Kind: kind, Key: key, Data: boot.Data, Version: 0})

			return
		}

		s.logger.Error("get projection failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrorEnvelope{Error: "storage_unavailable"})

		return
	}

	updatedAt := p.UpdatedAt
	s.writeJSON(w, r, http.StatusOK, ProjectionView{
		Kind: p.Kind, Key: p.Key, Data: p.Data, Version: p.Version, UpdatedAt: &updatedAt,
	})
}

// handleListProjectionKeys handles GET /api/v1/projections/{kind}.
func (s *Server) handleListProjectionKeys(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.RequireID(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, ErrorEnvelope{Error: "unauthenticated"})

		return
	}

	kind := r.PathValue("kind")
	if _, registered := s.registryLookup(kind); !registered {
		s.writeError(w, r, http.StatusNotFound, ErrorEnvelope{Error: "unknown_kind", Field: "kind"})

		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)
	after := r.URL.Query().Get("after")

	keys, err := s.projections.ListKeys(r.Context(), tenantID, kind, after, limit)
	if err != nil {
		s.logger.Error("list projection keys failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrorEnvelope{Error: "storage_unavailable"})

		return
	}

	resp := ProjectionKeysResponse{Keys: keys}
	if len(keys) == limit {
		resp.Cursor = keys[len(keys)-1]
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// registryLookup reports whether kind names a registered projection handler.
// Returns ok=false (no panic) when the Server was built without a registry,
// treating every kind as unregistered.
func (s *Server) registryLookup(kind string) (handler interface {
	Bootstrap() map[string]interface{}
}, ok bool) {
	if s.registry == nil {
		return nil, false
	}

	return s.registry.ByProjectionKind(kind)
}

// hasJSONContentType reports whether contentType is (or starts with)
// application/json, ignoring charset parameters.
func hasJSONContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", expectedURLParts)[0])

	return strings.EqualFold(mediaType, "application/json")
}

// parseLimit parses s as a bounded positive int, falling back to def on any
// parse failure and clamping to max.
func parseLimit(s string, def, maxVal int) int {
	if s == "" {
		return def
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}

	if n > maxVal {
		return maxVal
	}

	return n
}

// encodeCursor opaquely encodes a Cursor as base64(domain_time|id), matching
// the "cursor is (domain_time, id) of the last returned row" contract
// without leaking the tuple as plain text.
func encodeCursor(c eventlog.Cursor) string {
	raw := c.DomainTime + "|" + c.ID

	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor reverses encodeCursor. An empty token decodes to the zero
// Cursor ("from the beginning").
func decodeCursor(token string) (eventlog.Cursor, error) {
	if token == "" {
		return eventlog.Cursor{}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return eventlog.Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}

	parts := strings.SplitN(string(raw), "|", expectedURLParts)
	if len(parts) != expectedURLParts || parts[0] == "" || parts[1] == "" {
		return eventlog.Cursor{}, fmt.Errorf("malformed cursor")
	}

	return eventlog.Cursor{DomainTime: parts[0], ID: parts[1]}, nil
}
