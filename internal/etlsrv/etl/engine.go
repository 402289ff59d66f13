// Package etl runs DDL and batched DML against a tenant namespace. Every identifier passes
// through ident before it reaches SQL text and every value is a bind parameter.
package etl

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgtype"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
	"github.com/tansive/tabletenant/internal/etlsrv/inference"
)

const (
	DefaultBatchSize = 1000
	MaxPreviewRows   = 1000
	DefaultPreview   = 100
)

// Operation kinds recorded in the audit log.
const (
	OpCreateTable = "create_table"
	OpInsert      = "insert"
	OpUpsert      = "upsert"
	OpDelete      = "delete"
	OpDropTable   = "drop_table"
	OpTruncate    = "truncate"
)

// Target names a table inside a tenant namespace. The tenant is only used for auditing.
type Target struct {
	TenantID  string
	Namespace string
	Table     string
}

func (t Target) qualified() (string, error) {
	return ident.Qualified(t.Namespace, t.Table)
}

// AuditWriter appends audit records.
type AuditWriter interface {
	InsertAudit(ctx context.Context, rec *models.AuditRecord) error
}

type Engine struct {
	db    dbmanager.Querier
	audit AuditWriter
}

func NewEngine(db dbmanager.Querier, audit AuditWriter) *Engine {
	return &Engine{db: db, audit: audit}
}

// record writes one audit entry. A failed audit write is logged and never replaces the
// outcome of the operation itself.
func (e *Engine) record(ctx context.Context, tgt Target, op string, rows int64, opErr error, details map[string]any) {
	rec := &models.AuditRecord{
		TenantID:     tgt.TenantID,
		Operation:    op,
		Namespace:    tgt.Namespace,
		TableName:    tgt.Table,
		Success:      opErr == nil,
		RowsAffected: rows,
		Details:      pgtype.JSONB{Status: pgtype.Null},
	}
	if opErr != nil {
		rec.ErrorMessage = opErr.Error()
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			rec.Details = pgtype.JSONB{Bytes: b, Status: pgtype.Present}
		}
	}
	if err := e.audit.InsertAudit(ctx, rec); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("operation", op).Str("table", tgt.Table).Msg("failed to write audit record")
	}
}

func (e *Engine) createTable(ctx context.Context, tgt Target, columns []inference.Column, uniqueColumns []string, ifNotExists bool) (bool, error) {
	qualified, err := tgt.qualified()
	if err != nil {
		return false, err
	}
	stmt, err := buildCreateTableSQL(qualified, columns, uniqueColumns, ifNotExists)
	if err != nil {
		return false, err
	}
	details := map[string]any{"columns": columns}
	if len(uniqueColumns) > 0 {
		details["unique"] = uniqueColumns
	}
	// to_regclass tells a fresh table apart from one left by an earlier attempt
	var existed bool
	if ifNotExists {
		if errDb := e.db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", qualified).Scan(&existed); errDb != nil {
			return false, translate(errDb, tgt.Table)
		}
		if existed {
			return false, nil
		}
	}
	if _, errDb := e.db.ExecContext(ctx, stmt); errDb != nil {
		err := translate(errDb, tgt.Table)
		if ifNotExists && errors.Is(err, ErrDuplicateTable) {
			return false, nil
		}
		log.Ctx(ctx).Error().Err(errDb).Str("table", tgt.Table).Msg("failed to create table")
		e.record(ctx, tgt, OpCreateTable, 0, err, details)
		return false, err
	}
	e.record(ctx, tgt, OpCreateTable, 0, nil, details)
	log.Ctx(ctx).Info().Str("namespace", tgt.Namespace).Str("table", tgt.Table).Int("columns", len(columns)).Msg("table created")
	return true, nil
}

// CreateTable creates the table with one column per inferred column and an optional unique
// constraint. A name collision fails with ErrDuplicateTable.
func (e *Engine) CreateTable(ctx context.Context, tgt Target, columns []inference.Column, uniqueColumns []string) error {
	_, err := e.createTable(ctx, tgt, columns, uniqueColumns, false)
	return err
}

// CreateTableIfNotExists is CreateTable for retried jobs. It reports whether the table was
// created by this call.
func (e *Engine) CreateTableIfNotExists(ctx context.Context, tgt Target, columns []inference.Column, uniqueColumns []string) (bool, error) {
	return e.createTable(ctx, tgt, columns, uniqueColumns, true)
}

// InsertRows writes rows in batches of batchSize and returns the number of rows written.
// The first failing batch stops the write. Rows from earlier batches stay committed and
// are reported in the audit record.
func (e *Engine) InsertRows(ctx context.Context, tgt Target, columns []string, rows [][]any, batchSize int) (int64, error) {
	w, err := e.NewInserter(tgt, columns, batchSize)
	if err != nil {
		return 0, err
	}
	return writeAll(ctx, w, rows)
}

// UpsertRows is InsertRows with conflict resolution on conflictColumns. Existing rows get
// every non key column overwritten.
func (e *Engine) UpsertRows(ctx context.Context, tgt Target, columns []string, rows [][]any, conflictColumns []string, batchSize int) (int64, error) {
	w, err := e.NewUpserter(tgt, columns, conflictColumns, batchSize)
	if err != nil {
		return 0, err
	}
	return writeAll(ctx, w, rows)
}

func writeAll(ctx context.Context, w *BatchWriter, rows [][]any) (int64, error) {
	for _, row := range rows {
		if err := w.Write(ctx, row); err != nil {
			break
		}
	}
	return w.Close(ctx)
}

// DeleteRows deletes the rows matched by p and returns how many were removed.
func (e *Engine) DeleteRows(ctx context.Context, tgt Target, p Predicate) (int64, error) {
	qualified, err := tgt.qualified()
	if err != nil {
		return 0, err
	}
	where, args, err := p.clause()
	if err != nil {
		return 0, err
	}
	res, errDb := e.db.ExecContext(ctx, "DELETE FROM "+qualified+" WHERE "+where, args...)
	if errDb != nil {
		err := translate(errDb, tgt.Table)
		log.Ctx(ctx).Error().Err(errDb).Str("table", tgt.Table).Msg("failed to delete rows")
		e.record(ctx, tgt, OpDelete, 0, err, map[string]any{"column": p.column, "ids": len(p.ids)})
		return 0, err
	}
	n, _ := res.RowsAffected()
	e.record(ctx, tgt, OpDelete, n, nil, map[string]any{"column": p.column, "ids": len(p.ids)})
	return n, nil
}

// DropTable drops the table if it exists. Dropping a missing table succeeds.
func (e *Engine) DropTable(ctx context.Context, tgt Target) error {
	qualified, err := tgt.qualified()
	if err != nil {
		return err
	}
	if _, errDb := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+qualified); errDb != nil {
		err := translate(errDb, tgt.Table)
		log.Ctx(ctx).Error().Err(errDb).Str("table", tgt.Table).Msg("failed to drop table")
		e.record(ctx, tgt, OpDropTable, 0, err, nil)
		return err
	}
	e.record(ctx, tgt, OpDropTable, 0, nil, nil)
	return nil
}

// TruncateTable removes every row and returns the row count the table had.
func (e *Engine) TruncateTable(ctx context.Context, tgt Target) (int64, error) {
	qualified, err := tgt.qualified()
	if err != nil {
		return 0, err
	}
	var n int64
	if errDb := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+qualified).Scan(&n); errDb != nil {
		err := translate(errDb, tgt.Table)
		e.record(ctx, tgt, OpTruncate, 0, err, nil)
		return 0, err
	}
	if _, errDb := e.db.ExecContext(ctx, "TRUNCATE TABLE "+qualified); errDb != nil {
		err := translate(errDb, tgt.Table)
		log.Ctx(ctx).Error().Err(errDb).Str("table", tgt.Table).Msg("failed to truncate table")
		e.record(ctx, tgt, OpTruncate, 0, err, nil)
		return 0, err
	}
	e.record(ctx, tgt, OpTruncate, n, nil, nil)
	return n, nil
}

// Preview is a bounded read of a table.
type Preview struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// GetPreview reads up to limit rows, capped at MaxPreviewRows. Reads are not audited.
func (e *Engine) GetPreview(ctx context.Context, tgt Target, limit int) (*Preview, error) {
	qualified, err := tgt.qualified()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPreview
	}
	limit = min(limit, MaxPreviewRows)

	rows, errDb := e.db.QueryContext(ctx, "SELECT * FROM "+qualified+" LIMIT $1", limit)
	if errDb != nil {
		return nil, translate(errDb, tgt.Table)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, dberror.Translate(err)
	}
	p := &Preview{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, dberror.Translate(err)
		}
		for i, v := range values {
			switch t := v.(type) {
			case []byte:
				values[i] = string(t)
			case time.Time:
				values[i] = t.UTC()
			}
		}
		p.Rows = append(p.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.Translate(err)
	}
	return p, nil
}

const bytesPerMB = 1024 * 1024

// TableSizeMB returns the on-disk size of the table including indexes and toast.
func (e *Engine) TableSizeMB(ctx context.Context, tgt Target) (float64, error) {
	qualified, err := tgt.qualified()
	if err != nil {
		return 0, err
	}
	var size int64
	errDb := e.db.QueryRowContext(ctx,
		"SELECT COALESCE(pg_total_relation_size(to_regclass($1)), 0)", qualified).Scan(&size)
	if errDb != nil {
		return 0, translate(errDb, tgt.Table)
	}
	return float64(size) / bytesPerMB, nil
}

func (e *Engine) CountRows(ctx context.Context, tgt Target) (int64, error) {
	qualified, err := tgt.qualified()
	if err != nil {
		return 0, err
	}
	var n int64
	if errDb := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+qualified).Scan(&n); errDb != nil {
		return 0, translate(errDb, tgt.Table)
	}
	return n, nil
}
