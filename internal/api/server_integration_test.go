package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/kura-dev/kura/internal/api/middleware"
	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/config"
	"github.com/kura-dev/kura/internal/dispatcher"
	"github.com/kura-dev/kura/internal/storage"
)

// testLogger returns a quiet structured logger shared by integration tests
// in this package, matching the JSON handler the real binaries configure.
func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestAuthenticationIntegration exercises the complete authentication flow
// with a real HTTP server and a real Postgres-backed APIKeyStore: missing,
// malformed, inactive, and expired keys must all be rejected, and a valid
// key must reach the handler.
func TestAuthenticationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	storageConn := &storage.Connection{DB: testDB.Connection}

	keyStore, err := storage.NewPersistentKeyStore(storageConn)
	require.NoError(t, err, "failed to create key store")

	t.Cleanup(func() {
		_ = keyStore.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	testAPIKey, err := storage.GenerateAPIKey("tenant-a")
	require.NoError(t, err, "failed to generate API key")

	err = keyStore.Add(ctx, &storage.APIKey{
		ID:          "test-key-id",
		Key:         testAPIKey,
		TenantID:    "tenant-a",
		Name:        "test tenant a",
		Permissions: []string{"events:write", "events:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	})
	require.NoError(t, err, "failed to add API key")

	srv := newTestServer(t, keyStore, nil)

	t.Run("successful authentication with X-Api-Key header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("X-Api-Key", testAPIKey)

		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("successful authentication with Authorization Bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("Authorization", "Bearer "+testAPIKey)

		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("missing API key returns 401 RFC 7807 envelope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)

		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())

		var problem map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
		require.NotEmpty(t, problem["type"])
		require.NotEmpty(t, problem["title"])
		require.NotNil(t, problem["status"])
		require.NotEmpty(t, problem["detail"])
		require.NotEmpty(t, problem["correlationId"])
	})

	t.Run("invalid API key returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("X-Api-Key", "kura_ak_"+string(make([]byte, 64)))

		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())
	})

	t.Run("inactive API key returns 403", func(t *testing.T) {
		inactiveKey, err := storage.GenerateAPIKey("tenant-b")
		require.NoError(t, err)

		err = keyStore.Add(ctx, &storage.APIKey{
			ID:          "inactive-key-id",
			Key:         inactiveKey,
			TenantID:    "tenant-b",
			Name:        "inactive tenant b",
			Permissions: []string{"events:write"},
			CreatedAt:   time.Now(),
			Active:      false,
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("X-Api-Key", inactiveKey)

		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())
	})

	t.Run("expired API key returns 401", func(t *testing.T) {
		expiredKey, err := storage.GenerateAPIKey("tenant-c")
		require.NoError(t, err)

		expiredAt := time.Now().Add(-1 * time.Hour)
		err = keyStore.Add(ctx, &storage.APIKey{
			ID:          "expired-key-id",
			Key:         expiredKey,
			TenantID:    "tenant-c",
			Name:        "expired tenant c",
			Permissions: []string{"events:write"},
			CreatedAt:   time.Now().Add(-2 * time.Hour),
			ExpiresAt:   &expiredAt,
			Active:      true,
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("X-Api-Key", expiredKey)

		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())
	})

	t.Run("health endpoints work without authentication", func(t *testing.T) {
		for _, endpoint := range []string{"/ping", "/ready", "/health"} {
			req := httptest.NewRequest(http.MethodGet, endpoint, nil)

			rr := httptest.NewRecorder()
			srv.httpServer.Handler.ServeHTTP(rr, req)

			require.Equalf(t, http.StatusOK, rr.Code, "%s: %s", endpoint, rr.Body.String())
		}
	})
}

// newTestServer wires a Server against a live Postgres-backed storage stack,
// the same construction cmd/kura-api performs, but with keyStore/rateLimiter
// swapped in by the caller.
func newTestServer(t *testing.T, keyStore storage.APIKeyStore, rateLimiter middleware.RateLimiter) *Server {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	storageConn := &storage.Connection{DB: testDB.Connection}

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	ids := canon.NewGenerator()

	events, err := storage.NewPostgresEventStore(storageConn, ids, testLogger())
	require.NoError(t, err)

	jobs, err := storage.NewPostgresJobStore(storageConn, ids)
	require.NoError(t, err)

	projections, err := storage.NewPostgresProjectionStore(storageConn)
	require.NoError(t, err)

	registry := dispatcher.NewRegistry()

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

	return NewServer(serverConfig, keyStore, rateLimiter, events, jobs, projections, registry, nil)
}
