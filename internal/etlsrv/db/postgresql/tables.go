package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

const tableColumns = `tenant_id, namespace, table_name, columns, conflict_columns,
	row_count, size_mb, created_at, updated_at`

func scanTable(r rowScanner) (*models.TableMetadata, error) {
	t := &models.TableMetadata{}
	var conflict pgtype.TextArray
	err := r.Scan(&t.TenantID, &t.Namespace, &t.TableName, &t.Columns, &conflict,
		&t.RowCount, &t.SizeMB, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ConflictColumns = stringsFrom(conflict)
	return t, nil
}

// CreateTableMetadata records a new table. It returns false when a record for the table
// already exists, in which case the stored record is left untouched.
func (s *MetadataStore) CreateTableMetadata(ctx context.Context, t *models.TableMetadata) (bool, error) {
	if err := requireTenant(ctx, t.TenantID); err != nil {
		return false, err
	}
	columns := t.Columns
	if columns.Status != pgtype.Present {
		columns = pgtype.JSONB{Bytes: []byte("[]"), Status: pgtype.Present}
	}
	res, errDb := s.conn().ExecContext(ctx, `
		INSERT INTO tenant_tables (tenant_id, namespace, table_name, columns, conflict_columns, row_count, size_mb)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, table_name) DO NOTHING`,
		t.TenantID, t.Namespace, t.TableName, columns, textArray(t.ConflictColumns), t.RowCount, t.SizeMB)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("table", t.TableName).Msg("failed to create table metadata")
		return false, dberror.Translate(errDb)
	}
	return rowsAffected(res) == 1, nil
}

func (s *MetadataStore) GetTableMetadata(ctx context.Context, tenantID, table string) (*models.TableMetadata, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	row := s.conn().QueryRowContext(ctx, `SELECT `+tableColumns+`
		FROM tenant_tables WHERE tenant_id = $1 AND table_name = $2`, tenantID, table)
	t, errDb := scanTable(row)
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("table " + table + " not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("table", table).Msg("failed to get table metadata")
		return nil, dberror.Translate(errDb)
	}
	return t, nil
}

func (s *MetadataStore) ListTableMetadata(ctx context.Context, tenantID string) ([]*models.TableMetadata, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, errDb := s.conn().QueryContext(ctx, `SELECT `+tableColumns+`
		FROM tenant_tables WHERE tenant_id = $1 ORDER BY table_name`, tenantID)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to list table metadata")
		return nil, dberror.Translate(errDb)
	}
	defer rows.Close()
	var tables []*models.TableMetadata
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, dberror.Translate(err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.Translate(err)
	}
	return tables, nil
}

// UpdateTableCounters stores the cached row count and size of a table.
func (s *MetadataStore) UpdateTableCounters(ctx context.Context, tenantID, table string, rowCount int64, sizeMB float64) error {
	if err := requireTenant(ctx, tenantID); err != nil {
		return err
	}
	_, errDb := s.conn().ExecContext(ctx, `
		UPDATE tenant_tables
		SET row_count = GREATEST($3::bigint, 0), size_mb = GREATEST($4::double precision, 0), updated_at = now()
		WHERE tenant_id = $1 AND table_name = $2`, tenantID, table, rowCount, sizeMB)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("table", table).Msg("failed to update table counters")
		return dberror.Translate(errDb)
	}
	return nil
}

// DeleteTableMetadata removes the record and reports whether one existed.
func (s *MetadataStore) DeleteTableMetadata(ctx context.Context, tenantID, table string) (bool, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return false, err
	}
	res, errDb := s.conn().ExecContext(ctx,
		"DELETE FROM tenant_tables WHERE tenant_id = $1 AND table_name = $2", tenantID, table)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("table", table).Msg("failed to delete table metadata")
		return false, dberror.Translate(errDb)
	}
	return rowsAffected(res) > 0, nil
}

func (s *MetadataStore) CountTableMetadata(ctx context.Context, tenantID string) (int, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return 0, err
	}
	var n int
	if errDb := s.conn().QueryRowContext(ctx,
		"SELECT count(*) FROM tenant_tables WHERE tenant_id = $1", tenantID).Scan(&n); errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to count tables")
		return 0, dberror.Translate(errDb)
	}
	return n, nil
}
