package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements APIKeyStore with a PostgreSQL backend.
// Every service-caller credential is scoped to exactly one tenant; the HTTP
// façade's auth middleware binds that tenant to the request context on a
// successful FindByKey before any domain call runs.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// NewPersistentKeyStore creates a production-ready PostgreSQL key store with connection pooling.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: getEnvLogLevel("LOG_LEVEL", slog.LevelDebug),
		})),
	}, nil
}

// Close closes the database connection pool gracefully.
func (s *PersistentKeyStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// HealthCheck implements APIKeyStore.
func (s *PersistentKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// FindByKey retrieves an API key by its key value using O(1) hash lookup.
// Uses key_lookup_hash (SHA256) for fast database query, then verifies with
// bcrypt. Returns (nil, false) if key not found or invalid. Active/inactive
// status is checked by the authentication layer, not here.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	lookupHash := ComputeKeyLookupHash(key)

	query := `
		SELECT id, key_hash, tenant_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE key_lookup_hash = $1
		LIMIT 1
	`

	var (
		apiKey          APIKey
		permissionsJSON []byte
	)

	err := s.conn.QueryRowContext(ctx, query, lookupHash).Scan(
		&apiKey.ID,
		&apiKey.Key, // This is actually the hash, we'll use it for comparison
		&apiKey.TenantID,
		&apiKey.Name,
		&permissionsJSON,
		&apiKey.CreatedAt,
		&apiKey.ExpiresAt,
		&apiKey.Active,
	)
	if err != nil {
		return nil, false
	}

	if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
		s.logger.Error("failed to parse permissions", slog.String("error", err.Error()))

		return nil, false
	}

	// Verify with bcrypt for security (protects against SHA256 collision attacks)
	if !CompareAPIKeyHash(apiKey.Key, key) {
		s.logger.Warn("key lookup hash matched but bcrypt verification failed",
			slog.String("key_id", apiKey.ID),
			slog.String("tenant_id", apiKey.TenantID),
		)

		return nil, false
	}

	apiKey.Key = MaskKey(apiKey.Key)

	return &apiKey, true
}

// Add stores a new API key with bcrypt hashing, SHA256 lookup hash, and
// synchronous audit logging.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	lookupHash := ComputeKeyLookupHash(apiKey.Key)

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_lookup_hash, tenant_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		lookupHash,
		apiKey.TenantID,
		apiKey.Name,
		permissionsJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	if err := s.logAudit(ctx, keyCreated, apiKey); err != nil {
		// Audit logging is best-effort - don't fail key creation on a write
		// failure to the audit table.
		s.logger.Error("failed to write an audit log entry for API key operation",
			slog.String("operation", keyCreated), slog.String("error", err.Error()))
	}

	return nil
}

// Update modifies an existing API key's name, permissions, active status,
// and expiration. The key hash itself cannot be updated.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE api_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(ctx, query, apiKey.Name, permissionsJSON, apiKey.Active, apiKey.ExpiresAt, apiKey.ID)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	if err := requireRowAffected(result, ErrKeyNotFound); err != nil {
		return err
	}

	if err := s.logAudit(ctx, keyUpdated, apiKey); err != nil {
		s.logger.Error("failed to write an audit log entry for API key operation",
			slog.String("operation", keyUpdated), slog.String("error", err.Error()))
	}

	return nil
}

// Delete performs a soft delete on an API key by setting active=FALSE,
// preserving the row for audit purposes.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx, `UPDATE api_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	if err := requireRowAffected(result, ErrKeyNotFound); err != nil {
		return err
	}

	if err := s.logAudit(ctx, keyDeleted, &APIKey{ID: keyID}); err != nil {
		s.logger.Error("failed to write an audit log entry for API key operation",
			slog.String("operation", keyDeleted), slog.String("error", err.Error()))
	}

	return nil
}

// ListByTenant returns all active API keys for a specific tenant.
func (s *PersistentKeyStore) ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error) {
	if tenantID == "" {
		return nil, ErrTenantIDEmpty
	}

	query := `
		SELECT id, key_hash, tenant_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE tenant_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey

	for rows.Next() {
		var (
			apiKey          APIKey
			permissionsJSON []byte
		)

		if err := rows.Scan(&apiKey.ID, &apiKey.Key, &apiKey.TenantID, &apiKey.Name,
			&permissionsJSON, &apiKey.CreatedAt, &apiKey.ExpiresAt, &apiKey.Active); err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)

		keys = append(keys, &apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if keys == nil {
		keys = []*APIKey{}
	}

	return keys, nil
}

func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// logAudit writes an audit log entry for an API key operation, synchronous
// (blocking) so every credential change is recorded before the call returns.
func (s *PersistentKeyStore) logAudit(ctx context.Context, operation string, apiKey *APIKey) error {
	maskedKey := MaskKey(apiKey.Key)

	query := `
		INSERT INTO audit_log (tenant_id, event_id, outcome, code, created_at)
		VALUES ($1, $2, $3, $4, now())
	`

	_, err := s.conn.ExecContext(ctx, query, apiKey.TenantID, apiKey.ID, operation, maskedKey)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}
