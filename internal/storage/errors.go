package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Sentinel errors shared by every Postgres-backed store in this package.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed with a
	// nil *Connection.
	ErrNoDatabaseConnection = errors.New("storage: no database connection")

	// ErrEventStoreFailed wraps an event-log write or read failure that
	// isn't idempotency- or tenant-related.
	ErrEventStoreFailed = errors.New("storage: event store operation failed")

	// ErrJobStoreFailed wraps a job-queue operation failure.
	ErrJobStoreFailed = errors.New("storage: job queue operation failed")

	// ErrProjectionStoreFailed wraps a projection-store operation failure.
	ErrProjectionStoreFailed = errors.New("storage: projection store operation failed")

	// ErrSchedulerStoreFailed wraps a scheduler-state operation failure.
	ErrSchedulerStoreFailed = errors.New("storage: scheduler state operation failed")

	// ErrTenantErasureFailed wraps a failure of the tenant-erasure procedure.
	ErrTenantErasureFailed = errors.New("storage: tenant erasure failed")
)

// isDatabaseConnectionError reports whether err indicates the underlying
// connection was lost rather than a data-level failure: PostgreSQL class-08
// (connection exception) codes plus the standard database/sql
// connection-lifecycle errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal the Write Gate translates into a
// deterministic "event already exists" outcome rather than an error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
