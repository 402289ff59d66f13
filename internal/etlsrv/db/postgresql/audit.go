package postgresql

import (
	"context"
	"time"

	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

// MaxAuditPage bounds a single audit listing.
const MaxAuditPage = 1000

// InsertAudit appends an audit record. Audit records are never updated.
func (s *MetadataStore) InsertAudit(ctx context.Context, rec *models.AuditRecord) error {
	if err := requireTenant(ctx, rec.TenantID); err != nil {
		return err
	}
	details := rec.Details
	if details.Status == pgtype.Undefined {
		details.Status = pgtype.Null
	}
	errDb := s.conn().QueryRowContext(ctx, `
		INSERT INTO etl_audit_log (tenant_id, operation, namespace, table_name, success, rows_affected, error_message, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING audit_id, created_at`,
		rec.TenantID, rec.Operation, rec.Namespace, rec.TableName, rec.Success, rec.RowsAffected,
		nullString(rec.ErrorMessage), details,
	).Scan(&rec.AuditID, &rec.CreatedAt)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("operation", rec.Operation).Str("table", rec.TableName).Msg("failed to write audit record")
		return dberror.Translate(errDb)
	}
	return nil
}

// ListAudit returns the tenant's most recent audit records, newest first.
func (s *MetadataStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]*models.AuditRecord, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxAuditPage {
		limit = MaxAuditPage
	}
	rows, errDb := s.conn().QueryContext(ctx, `
		SELECT audit_id, tenant_id, operation, namespace, table_name, success, rows_affected,
		       COALESCE(error_message, ''), details, created_at
		FROM etl_audit_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC, audit_id DESC
		LIMIT $2`, tenantID, limit)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to list audit records")
		return nil, dberror.Translate(errDb)
	}
	defer rows.Close()
	var records []*models.AuditRecord
	for rows.Next() {
		r := &models.AuditRecord{}
		if err := rows.Scan(&r.AuditID, &r.TenantID, &r.Operation, &r.Namespace, &r.TableName, &r.Success,
			&r.RowsAffected, &r.ErrorMessage, &r.Details, &r.CreatedAt); err != nil {
			return nil, dberror.Translate(err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.Translate(err)
	}
	return records, nil
}

func (s *MetadataStore) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, errDb := s.conn().ExecContext(ctx, "DELETE FROM etl_audit_log WHERE created_at < $1", cutoff)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to delete expired audit records")
		return 0, dberror.Translate(errDb)
	}
	return rowsAffected(res), nil
}
