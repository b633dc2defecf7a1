package storage

import (
	"context"
	"fmt"
)

// ErasureCounts reports how many rows the erasure procedure removed from
// each table, returned to the caller (the admin CLI) for audit purposes.
type ErasureCounts struct {
	Events         int64
	ProjectionJobs int64
	Projections    int64
	AuditEntries   int64
}

// EraseTenant permanently deletes every row owned by tenantID across the
// event log, job queue, and projection store in one transaction, the
// privileged counterpart to the tenant-scoped write path's insert-only role.
// Deletion order (all of the tenant's projection jobs, whatever their status, then projections, then audit entries, then
// events, finally the tenant row) mirrors dependency order rather than any
// foreign key Postgres enforces, since every table is keyed by tenant_id
// alone and not by event id.
func EraseTenant(ctx context.Context, conn *Connection, tenantID string) (ErasureCounts, error) {
	var counts ErasureCounts

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("%w: begin transaction: %w", ErrTenantErasureFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('kura.role', 'dispatcher', true)`); err != nil {
		return counts, fmt.Errorf("%w: bind erasure role: %w", ErrTenantErasureFailed, err)
	}

	jobsRes, err := tx.ExecContext(ctx, `DELETE FROM projection_jobs WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return counts, fmt.Errorf("%w: delete projection jobs: %w", ErrTenantErasureFailed, err)
	}

	counts.ProjectionJobs, _ = jobsRes.RowsAffected()

	projRes, err := tx.ExecContext(ctx, `DELETE FROM projections WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return counts, fmt.Errorf("%w: delete projections: %w", ErrTenantErasureFailed, err)
	}

	counts.Projections, _ = projRes.RowsAffected()

	auditRes, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return counts, fmt.Errorf("%w: delete audit entries: %w", ErrTenantErasureFailed, err)
	}

	counts.AuditEntries, _ = auditRes.RowsAffected()

	eventsRes, err := tx.ExecContext(ctx, `DELETE FROM events WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return counts, fmt.Errorf("%w: delete events: %w", ErrTenantErasureFailed, err)
	}

	counts.Events, _ = eventsRes.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
		return counts, fmt.Errorf("%w: delete tenant row: %w", ErrTenantErasureFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("%w: commit erasure: %w", ErrTenantErasureFailed, err)
	}

	return counts, nil
}
