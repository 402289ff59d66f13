package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

const quotaColumns = `tenant_id, total_tables, total_size_mb, max_tables, max_size_mb,
	last_recalculated_at, updated_at`

const bytesPerMB = 1024 * 1024

func scanQuota(r rowScanner) (*models.Quota, error) {
	q := &models.Quota{}
	var recalculated sql.NullTime
	err := r.Scan(&q.TenantID, &q.TotalTables, &q.TotalSizeMB, &q.MaxTables, &q.MaxSizeMB,
		&recalculated, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if recalculated.Valid {
		q.LastRecalculatedAt = &recalculated.Time
	}
	return q, nil
}

// GetOrInitQuota returns the quota record for tenantID, creating a zeroed record with the
// given limits on first access.
func (s *MetadataStore) GetOrInitQuota(ctx context.Context, tenantID string, maxTables int, maxSizeMB float64) (*models.Quota, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	_, errDb := s.conn().ExecContext(ctx, `
		INSERT INTO tenant_quotas (tenant_id, max_tables, max_size_mb)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID, maxTables, maxSizeMB)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to init quota")
		return nil, dberror.Translate(errDb)
	}
	q, errDb := scanQuota(s.conn().QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM tenant_quotas WHERE tenant_id = $1`, tenantID))
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("quota not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to get quota")
		return nil, dberror.Translate(errDb)
	}
	return q, nil
}

// AddQuotaUsage adjusts the cached counters by the given deltas. Neither counter goes
// below zero.
func (s *MetadataStore) AddQuotaUsage(ctx context.Context, tenantID string, deltaTables int, deltaSizeMB float64) (*models.Quota, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	q, errDb := scanQuota(s.conn().QueryRowContext(ctx, `
		UPDATE tenant_quotas
		SET total_tables = GREATEST(total_tables + $2::integer, 0),
		    total_size_mb = GREATEST(total_size_mb + $3::double precision, 0),
		    updated_at = now()
		WHERE tenant_id = $1
		RETURNING `+quotaColumns, tenantID, deltaTables, deltaSizeMB))
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("quota not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to update quota usage")
		return nil, dberror.Translate(errDb)
	}
	return q, nil
}

// SetQuotaUsage overwrites the cached counters with measured values and stamps the
// recalculation time.
func (s *MetadataStore) SetQuotaUsage(ctx context.Context, tenantID string, tables int, sizeMB float64) (*models.Quota, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	q, errDb := scanQuota(s.conn().QueryRowContext(ctx, `
		UPDATE tenant_quotas
		SET total_tables = GREATEST($2::integer, 0),
		    total_size_mb = GREATEST($3::double precision, 0),
		    last_recalculated_at = now(),
		    updated_at = now()
		WHERE tenant_id = $1
		RETURNING `+quotaColumns, tenantID, tables, sizeMB))
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("quota not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to set quota usage")
		return nil, dberror.Translate(errDb)
	}
	return q, nil
}

// MeasureNamespace sums the on-disk size of every table in namespace, in MB.
func (s *MetadataStore) MeasureNamespace(ctx context.Context, namespace string) (float64, error) {
	var bytes int64
	errDb := s.conn().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pg_total_relation_size(format('%I.%I', schemaname, tablename)::regclass)), 0)::bigint
		FROM pg_tables
		WHERE schemaname = $1`, namespace).Scan(&bytes)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("namespace", namespace).Msg("failed to measure namespace")
		return 0, dberror.Translate(errDb)
	}
	return float64(bytes) / bytesPerMB, nil
}
