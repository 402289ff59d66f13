package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

// GetNamespace returns the recorded namespace for tenantID or dberror.ErrNotFound.
func (s *MetadataStore) GetNamespace(ctx context.Context, tenantID string) (*models.TenantNamespace, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	ns := &models.TenantNamespace{}
	errDb := s.conn().QueryRowContext(ctx, `
		SELECT tenant_id, namespace, created_at
		FROM tenant_namespaces
		WHERE tenant_id = $1`, tenantID).Scan(&ns.TenantID, &ns.Namespace, &ns.CreatedAt)
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("namespace not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to get namespace")
		return nil, dberror.Translate(errDb)
	}
	return ns, nil
}

// RecordNamespace persists the tenant to namespace mapping. Recording an existing mapping
// is a no-op.
func (s *MetadataStore) RecordNamespace(ctx context.Context, tenantID, namespace string) error {
	if err := requireTenant(ctx, tenantID); err != nil {
		return err
	}
	_, errDb := s.conn().ExecContext(ctx, `
		INSERT INTO tenant_namespaces (tenant_id, namespace)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID, namespace)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to record namespace")
		return dberror.Translate(errDb)
	}
	return nil
}

// PurgeTenant deletes every metadata record owned by tenantID. Run it in a transaction.
func (s *MetadataStore) PurgeTenant(ctx context.Context, tenantID string) error {
	if err := requireTenant(ctx, tenantID); err != nil {
		return err
	}
	stmts := []string{
		"DELETE FROM etl_jobs WHERE tenant_id = $1",
		"DELETE FROM upload_sessions WHERE tenant_id = $1",
		"DELETE FROM etl_audit_log WHERE tenant_id = $1",
		"DELETE FROM tenant_tables WHERE tenant_id = $1",
		"DELETE FROM tenant_quotas WHERE tenant_id = $1",
		"DELETE FROM tenant_namespaces WHERE tenant_id = $1",
	}
	for _, stmt := range stmts {
		if _, errDb := s.conn().ExecContext(ctx, stmt, tenantID); errDb != nil {
			log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to purge tenant metadata")
			return dberror.Translate(errDb)
		}
	}
	return nil
}
