package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/kura-dev/kura/internal/api/middleware"
	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/config"
	"github.com/kura-dev/kura/internal/dispatcher"
	"github.com/kura-dev/kura/internal/storage"
)

// protectedPath is the endpoint every middleware integration test in this
// file hits to exercise the full auth/rate-limit/CORS chain: it requires a
// tenant identity but returns quickly for any tenant with zero events.
const protectedPath = "/api/v1/events"

// middlewareTestServer bundles a constructed Server with the dependencies
// tests need direct access to (the raw API key and a possibly-nil limiter).
type middlewareTestServer struct {
	server      *Server
	testAPIKey  string
	rateLimiter *middleware.InMemoryRateLimiter
}

// setupMiddlewareTestServer wires a fully configured test server against a
// live Postgres-backed stack, eliminating per-test duplication of the
// construct-keystore/construct-stores/construct-server sequence.
func setupMiddlewareTestServer(ctx context.Context, t *testing.T, withRateLimiter bool) *middlewareTestServer {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	storageConn := &storage.Connection{DB: testDB.Connection}

	keyStore, err := storage.NewPersistentKeyStore(storageConn)
	require.NoError(t, err, "failed to create key store")

	testAPIKey, err := storage.GenerateAPIKey("tenant-test")
	require.NoError(t, err, "failed to generate API key")

	err = keyStore.Add(ctx, &storage.APIKey{
		ID:          "test-key-id",
		Key:         testAPIKey,
		TenantID:    "tenant-test",
		Name:        "middleware test tenant",
		Permissions: []string{"events:write", "events:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	})
	require.NoError(t, err, "failed to add API key")

	var rateLimiter *middleware.InMemoryRateLimiter
	if withRateLimiter {
		rateLimiter = createTestRateLimiter(5, 2, 1)
	}

	ids := canon.NewGenerator()

	events, err := storage.NewPostgresEventStore(storageConn, ids, testLogger())
	require.NoError(t, err)

	jobs, err := storage.NewPostgresJobStore(storageConn, ids)
	require.NoError(t, err)

	projections, err := storage.NewPostgresProjectionStore(storageConn)
	require.NoError(t, err)

	serverConfig := &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		MaxRequestSize:     DefaultMaxRequestSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400,
	}

	// A nil *InMemoryRateLimiter stored in the interface would be non-nil, so
	// only assign the interface when a limiter was built.
	var limiter middleware.RateLimiter
	if rateLimiter != nil {
		limiter = rateLimiter
	}

	server := NewServer(serverConfig, keyStore, limiter, events, jobs, projections, dispatcher.NewRegistry(), nil)

	t.Cleanup(func() {
		if rateLimiter != nil {
			rateLimiter.Close()
		}

		_ = keyStore.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return &middlewareTestServer{
		server:      server,
		testAPIKey:  testAPIKey,
		rateLimiter: rateLimiter,
	}
}

// TestPublicEndpointAuthBypass verifies health-probe endpoints never require
// an API key, while a business-logic endpoint on the same mux still does.
func TestPublicEndpointAuthBypass(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupMiddlewareTestServer(ctx, t, false)

	t.Run("ping works without authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "pong", rr.Body.String())
		verifyCorrelationID(t, rr)
	})

	t.Run("health works without authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var health HealthStatus

		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "kura", health.ServiceName)
		assert.NotEmpty(t, health.Version)

		verifyCorrelationID(t, rr)
	})

	t.Run("protected endpoint still requires authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, protectedPath, nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())
		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
	})
}

// TestPublicEndpointRateLimitBypass verifies /ping and /ready bypass rate
// limiting entirely, even against a deliberately starved limiter.
func TestPublicEndpointRateLimitBypass(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupMiddlewareTestServer(ctx, t, true)

	for _, endpoint := range []string{"/ping", "/ready"} {
		t.Run(endpoint+" bypasses rate limiting", func(t *testing.T) {
			successCount := 0

			for i := 0; i < 100; i++ {
				req := httptest.NewRequest(http.MethodGet, endpoint, nil)

				rr := httptest.NewRecorder()
				ts.server.httpServer.Handler.ServeHTTP(rr, req)

				if rr.Code == http.StatusOK {
					successCount++
				}
			}

			assert.Equal(t, 100, successCount, "%s should never be rate limited", endpoint)
		})
	}
}

// TestReadyEndpoint verifies /ready reflects real storage health.
func TestReadyEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	storageConn := &storage.Connection{DB: testDB.Connection}

	keyStore, err := storage.NewPersistentKeyStore(storageConn)
	require.NoError(t, err)

	ids := canon.NewGenerator()

	events, err := storage.NewPostgresEventStore(storageConn, ids, testLogger())
	require.NoError(t, err)

	jobs, err := storage.NewPostgresJobStore(storageConn, ids)
	require.NoError(t, err)

	projections, err := storage.NewPostgresProjectionStore(storageConn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = keyStore.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	serverConfig := &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		MaxRequestSize:     DefaultMaxRequestSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400,
	}

	server := NewServer(serverConfig, keyStore, nil, events, jobs, projections, dispatcher.NewRegistry(), nil)

	t.Run("returns 200 when database available", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "ready", rr.Body.String())
		verifyCorrelationID(t, rr)
	})

	t.Run("returns 503 when database unavailable", func(t *testing.T) {
		require.NoError(t, testDB.Connection.Close())

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
		assert.Equal(t, "storage unavailable", rr.Body.String())
		verifyCorrelationID(t, rr)
	})
}

// TestRateLimitingIntegration exercises the three-tier limiter against a
// real server: global ceiling, per-tenant independence, and token refill.
func TestRateLimitingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	storageConn := &storage.Connection{DB: testDB.Connection}

	keyStore, err := storage.NewPersistentKeyStore(storageConn)
	require.NoError(t, err)

	ids := canon.NewGenerator()

	events, err := storage.NewPostgresEventStore(storageConn, ids, testLogger())
	require.NoError(t, err)

	jobs, err := storage.NewPostgresJobStore(storageConn, ids)
	require.NoError(t, err)

	projections, err := storage.NewPostgresProjectionStore(storageConn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = keyStore.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	apiKey1, err := storage.GenerateAPIKey("tenant-1")
	require.NoError(t, err)
	require.NoError(t, keyStore.Add(ctx, &storage.APIKey{
		ID: "tenant-1-key-id", Key: apiKey1, TenantID: "tenant-1", Name: "tenant 1",
		Permissions: []string{"events:read"}, CreatedAt: time.Now(), Active: true,
	}))

	apiKey2, err := storage.GenerateAPIKey("tenant-2")
	require.NoError(t, err)
	require.NoError(t, keyStore.Add(ctx, &storage.APIKey{
		ID: "tenant-2-key-id", Key: apiKey2, TenantID: "tenant-2", Name: "tenant 2",
		Permissions: []string{"events:read"}, CreatedAt: time.Now(), Active: true,
	}))

	serverConfig := &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		MaxRequestSize:     DefaultMaxRequestSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400,
	}

	newServer := func(limiter *middleware.InMemoryRateLimiter) *Server {
		return NewServer(serverConfig, keyStore, limiter, events, jobs, projections, dispatcher.NewRegistry(), nil)
	}

	t.Run("global rate limit enforcement", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(2, 50, 2)
		t.Cleanup(rateLimiter.Close)

		server := newServer(rateLimiter)

		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 15; i++ {
			key := apiKey1
			if i%2 == 1 {
				key = apiKey2
			}

			resp := makeAuthenticatedRequest(server, key, protectedPath)

			switch resp.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++

				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, resp, http.StatusTooManyRequests)
				}
			}
		}

		assert.Positive(t, rateLimitedCount, "expected some requests to be rate limited, all %d succeeded", successCount)
	})

	t.Run("per-tenant rate limit enforcement", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(100, 2, 1)
		t.Cleanup(rateLimiter.Close)

		server := newServer(rateLimiter)

		rateLimitedCount := 0

		for i := 0; i < 10; i++ {
			if makeAuthenticatedRequest(server, apiKey1, protectedPath).Code == http.StatusTooManyRequests {
				rateLimitedCount++
			}
		}

		assert.Positive(t, rateLimitedCount, "tenant-1 should hit its own limit")

		rateLimitedCount = 0

		for i := 0; i < 10; i++ {
			resp := makeAuthenticatedRequest(server, apiKey2, protectedPath)
			if resp.Code == http.StatusTooManyRequests {
				rateLimitedCount++

				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, resp, http.StatusTooManyRequests)
				}
			}
		}

		assert.Positive(t, rateLimitedCount, "tenant-2 should have an independent limit")
	})

	t.Run("unauthenticated requests are rejected before rate limiting", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(100, 50, 1)
		t.Cleanup(rateLimiter.Close)

		server := newServer(rateLimiter)

		for i := 0; i < 5; i++ {
			resp := makeAuthenticatedRequest(server, "", protectedPath)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)
		}

		resp := makeAuthenticatedRequest(server, apiKey1, protectedPath)
		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("token refill after rate limit", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(100, 2, 1)
		t.Cleanup(rateLimiter.Close)

		server := newServer(rateLimiter)

		rateLimitedCount := 0

		for i := 0; i < 10; i++ {
			if makeAuthenticatedRequest(server, apiKey1, protectedPath).Code == http.StatusTooManyRequests {
				rateLimitedCount++
			}
		}

		require.Positive(t, rateLimitedCount)

		time.Sleep(600 * time.Millisecond)

		resp := makeAuthenticatedRequest(server, apiKey1, protectedPath)
		assert.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	})
}

// TestFullMiddlewareStackIntegration validates that every middleware layer
// contributes its expected headers/behavior regardless of which layer
// ultimately short-circuits the request.
func TestFullMiddlewareStackIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	storageConn := &storage.Connection{DB: testDB.Connection}

	keyStore, err := storage.NewPersistentKeyStore(storageConn)
	require.NoError(t, err)

	ids := canon.NewGenerator()

	events, err := storage.NewPostgresEventStore(storageConn, ids, testLogger())
	require.NoError(t, err)

	jobs, err := storage.NewPostgresJobStore(storageConn, ids)
	require.NoError(t, err)

	projections, err := storage.NewPostgresProjectionStore(storageConn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = keyStore.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	testAPIKey, err := storage.GenerateAPIKey("tenant-full-stack")
	require.NoError(t, err)
	require.NoError(t, keyStore.Add(ctx, &storage.APIKey{
		ID: "test-key-id", Key: testAPIKey, TenantID: "tenant-full-stack", Name: "full stack tenant",
		Permissions: []string{"events:read"}, CreatedAt: time.Now(), Active: true,
	}))

	rateLimiter := createTestRateLimiter(100, 2, 1)
	t.Cleanup(rateLimiter.Close)

	serverConfig := &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		MaxRequestSize:     DefaultMaxRequestSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400,
	}

	server := NewServer(serverConfig, keyStore, rateLimiter, events, jobs, projections, dispatcher.NewRegistry(), nil)

	t.Run("successful request flows through all middleware", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, protectedPath, nil)
		req.Header.Set("X-Api-Key", testAPIKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		verifyCORSHeaders(t, rr)
		verifyCorrelationID(t, rr)
	})

	t.Run("authentication failure has correlation id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, protectedPath, nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())
		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
		verifyCorrelationID(t, rr)
	})

	t.Run("rate limiting has correlation id", func(t *testing.T) {
		var rateLimited *httptest.ResponseRecorder

		for i := 0; i < 10; i++ {
			resp := makeAuthenticatedRequest(server, testAPIKey, protectedPath)
			if resp.Code == http.StatusTooManyRequests {
				rateLimited = resp

				break
			}
		}

		require.NotNil(t, rateLimited, "expected to hit the rate limit")
		verifyRFC7807Error(t, rateLimited, http.StatusTooManyRequests)
		verifyCorrelationID(t, rateLimited)
	})
}

// createTestRateLimiter builds a three-tier limiter with explicit per-second
// rates and auto-computed (2x) burst capacity, for deterministic tests.
func createTestRateLimiter(globalRPS, tenantRPS, unauthRPS int) *middleware.InMemoryRateLimiter {
	return middleware.NewInMemoryRateLimiter(&middleware.Config{
		GlobalRPS: globalRPS,
		TenantRPS: tenantRPS,
		UnAuthRPS: unauthRPS,
	})
}

// makeAuthenticatedRequest issues a GET to path, attaching apiKey via
// X-Api-Key when non-empty.
func makeAuthenticatedRequest(server *Server, apiKey, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

// verifyRFC7807Error asserts response matches the RFC 7807 problem shape
// ambient/infrastructure error paths use (see errors.go).
func verifyRFC7807Error(t *testing.T, response *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	require.Equal(t, expectedStatus, response.Code, response.Body.String())
	assert.Equal(t, "application/problem+json", response.Header().Get("Content-Type"))

	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &problem))

	for _, field := range []string{"type", "title", "status", "detail", "instance", "correlationId"} {
		assert.NotNil(t, problem[field], "missing RFC 7807 field %q", field)
	}

	if status, ok := problem["status"].(float64); ok {
		assert.Equal(t, expectedStatus, int(status))
	}
}

// verifyCORSHeaders asserts the CORS middleware set its response headers.
func verifyCORSHeaders(t *testing.T, response *httptest.ResponseRecorder) {
	t.Helper()

	assert.NotEmpty(t, response.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, response.Header().Get("Access-Control-Allow-Methods"))
}

// verifyCorrelationID asserts the correlation-ID middleware set its header.
func verifyCorrelationID(t *testing.T, response *httptest.ResponseRecorder) {
	t.Helper()

	correlationID := response.Header().Get("X-Correlation-ID")
	assert.NotEmpty(t, correlationID)
	assert.Len(t, correlationID, 16)
}
