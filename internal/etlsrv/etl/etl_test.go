package etl

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/migrations"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/db/postgresql"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
	"github.com/tansive/tabletenant/internal/etlsrv/inference"
	"github.com/tansive/tabletenant/internal/etlsrv/tenant"
)

type execCall struct {
	query string
	args  int
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

// fakeDB records statements. Statement number failOn (1 based) fails with failErr.
type fakeDB struct {
	mu      sync.Mutex
	columns int
	calls   []execCall
	failOn  int
	failErr error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{query: query, args: len(args)})
	if f.failOn == len(f.calls) {
		return nil, f.failErr
	}
	if f.columns > 0 {
		return fakeResult(len(args) / f.columns), nil
	}
	return fakeResult(0), nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	panic("not supported")
}

type fakeAudit struct {
	records []*models.AuditRecord
}

func (f *fakeAudit) InsertAudit(_ context.Context, rec *models.AuditRecord) error {
	f.records = append(f.records, rec)
	return nil
}

var testTarget = Target{TenantID: "tenant", Namespace: "t_0123456789abcdef01234567", Table: "orders"}

func makeRows(n, cols int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		row := make([]any, cols)
		for j := range row {
			row[j] = int64(i*cols + j)
		}
		rows[i] = row
	}
	return rows
}

func TestInsertRowsBatches(t *testing.T) {
	db := &fakeDB{columns: 2}
	audit := &fakeAudit{}
	e := NewEngine(db, audit)

	n, err := e.InsertRows(context.Background(), testTarget, []string{"id", "name"}, makeRows(2500, 2), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), n)

	require.Len(t, db.calls, 3)
	assert.Equal(t, 2000, db.calls[0].args)
	assert.Equal(t, 2000, db.calls[1].args)
	assert.Equal(t, 1000, db.calls[2].args)
	assert.True(t, strings.HasPrefix(db.calls[0].query,
		`INSERT INTO "t_0123456789abcdef01234567"."orders" ("id", "name") VALUES ($1, $2), ($3, $4)`))
	assert.True(t, strings.HasSuffix(db.calls[2].query, "($999, $1000)"))

	require.Len(t, audit.records, 1)
	rec := audit.records[0]
	assert.Equal(t, OpInsert, rec.Operation)
	assert.True(t, rec.Success)
	assert.Equal(t, int64(2500), rec.RowsAffected)
	assert.Equal(t, "tenant", rec.TenantID)
	assert.Contains(t, string(rec.Details.Bytes), `"batches":3`)
}

func TestInsertRowsStopsAtFailingBatch(t *testing.T) {
	db := &fakeDB{columns: 2, failOn: 2, failErr: &pgconn.PgError{Code: dberror.CodeNotNullViolation, ColumnName: "name"}}
	audit := &fakeAudit{}
	e := NewEngine(db, audit)

	n, err := e.InsertRows(context.Background(), testTarget, []string{"id", "name"}, makeRows(2500, 2), 1000)
	assert.ErrorIs(t, err, dberror.ErrConstraintViolation)
	assert.Equal(t, int64(1000), n)
	assert.Len(t, db.calls, 2, "no batch after the failing one")

	require.Len(t, audit.records, 1)
	assert.False(t, audit.records[0].Success)
	assert.Equal(t, int64(1000), audit.records[0].RowsAffected)
	assert.Equal(t, "column name does not allow empty values", audit.records[0].ErrorMessage)
}

func TestBatchSizeRespectsBindLimit(t *testing.T) {
	assert.Equal(t, 1000, effectiveBatchSize(1000, 10))
	assert.Equal(t, 655, effectiveBatchSize(1000, 100))
	assert.Equal(t, DefaultBatchSize, effectiveBatchSize(0, 1))
	assert.Equal(t, 1, effectiveBatchSize(1000, 70000))

	cols := make([]string, 100)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d", i)
	}
	db := &fakeDB{columns: 100}
	e := NewEngine(db, &fakeAudit{})
	w, err := e.NewInserter(testTarget, cols, 1000)
	require.NoError(t, err)
	assert.Equal(t, 655, w.BatchSize())
	for _, row := range makeRows(700, 100) {
		require.NoError(t, w.Write(context.Background(), row))
	}
	n, err := w.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(700), n)
	for _, c := range db.calls {
		assert.LessOrEqual(t, c.args, maxBindParams)
	}
}

func TestBatchWriterCallbacksAndAbort(t *testing.T) {
	db := &fakeDB{columns: 1}
	audit := &fakeAudit{}
	e := NewEngine(db, audit)
	w, err := e.NewInserter(testTarget, []string{"id"}, 10)
	require.NoError(t, err)

	var seen []BatchStats
	w.OnBatch = func(_ context.Context, s BatchStats) { seen = append(seen, s) }
	for _, row := range makeRows(25, 1) {
		require.NoError(t, w.Write(context.Background(), row))
	}
	require.Len(t, seen, 2)
	assert.Equal(t, int64(20), seen[1].Total)

	n := w.Abort(context.Background(), errors.New("line 26: parse error"))
	assert.Equal(t, int64(20), n)
	assert.Len(t, db.calls, 2, "buffered rows are discarded")
	require.Len(t, audit.records, 1)
	assert.False(t, audit.records[0].Success)
	assert.Equal(t, "line 26: parse error", audit.records[0].ErrorMessage)

	// closing after abort does not audit twice
	_, err = w.Close(context.Background())
	assert.Error(t, err)
	assert.Len(t, audit.records, 1)
	assert.ErrorIs(t, w.Write(context.Background(), []any{int64(1)}), err)

	assert.ErrorIs(t, w.Write(context.Background(), []any{1, 2}), err)
}

func TestWriterRejectsBadInput(t *testing.T) {
	e := NewEngine(&fakeDB{}, &fakeAudit{})
	_, err := e.NewInserter(testTarget, []string{"id", "bad name"}, 10)
	assert.ErrorIs(t, err, ident.ErrInvalidIdentifier)
	_, err = e.NewInserter(testTarget, []string{"id", "id"}, 10)
	assert.ErrorIs(t, err, ErrInvalidColumns)
	_, err = e.NewInserter(Target{Namespace: "t_x; drop", Table: "orders"}, []string{"id"}, 10)
	assert.ErrorIs(t, err, ident.ErrInvalidIdentifier)

	w, err := e.NewInserter(testTarget, []string{"id"}, 10)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Write(context.Background(), []any{1, 2}), ErrInvalidColumns)
}

func TestUpsertStatement(t *testing.T) {
	clause, err := buildConflictClause([]string{"id", "name", "price"}, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "price" = EXCLUDED."price"`, clause)

	clause, err = buildConflictClause([]string{"a", "b"}, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, `ON CONFLICT ("b", "a") DO NOTHING`, clause)

	_, err = buildConflictClause([]string{"a"}, nil)
	assert.ErrorIs(t, err, ErrInvalidColumns)
	_, err = buildConflictClause([]string{"a"}, []string{"z"})
	assert.ErrorIs(t, err, ErrInvalidColumns)
}

func TestUpsertDeduplicatesWithinBatch(t *testing.T) {
	db := &fakeDB{columns: 2}
	e := NewEngine(db, &fakeAudit{})
	rows := [][]any{{int64(1), "a"}, {int64(2), "b"}, {int64(1), "c"}}
	n, err := e.UpsertRows(context.Background(), testTarget, []string{"id", "name"}, rows, []string{"id"}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, db.calls, 1)
	assert.Equal(t, 4, db.calls[0].args)
	assert.Contains(t, db.calls[0].query, `ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`)

	// NULL keys never conflict, so each row is sent
	db = &fakeDB{columns: 2}
	e = NewEngine(db, &fakeAudit{})
	rows = [][]any{{nil, "a"}, {nil, "b"}, {int64(1), "c"}, {nil, "d"}, {int64(1), "e"}}
	n, err = e.UpsertRows(context.Background(), testTarget, []string{"id", "name"}, rows, []string{"id"}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.Len(t, db.calls, 1)
	assert.Equal(t, 8, db.calls[0].args)
}

func TestUpsertMissingConstraint(t *testing.T) {
	db := &fakeDB{columns: 2, failOn: 1, failErr: &pgconn.PgError{Code: dberror.CodeNoConflictConstraint}}
	e := NewEngine(db, &fakeAudit{})
	_, err := e.UpsertRows(context.Background(), testTarget, []string{"id", "name"}, [][]any{{int64(1), "a"}}, []string{"id"}, 10)
	assert.ErrorIs(t, err, ErrMissingConflictConstraint)
	assert.ErrorIs(t, err, dberror.ErrConstraintViolation)
}

func TestCreateTableSQL(t *testing.T) {
	cols := []inference.Column{
		{Name: "id", Type: inference.Integer},
		{Name: "price", Type: inference.Decimal, Nullable: true},
		{Name: "active", Type: inference.Boolean},
		{Name: "day", Type: inference.Date, Nullable: true},
		{Name: "note", Type: inference.Text, Nullable: true},
	}
	stmt, err := buildCreateTableSQL(`"ns"."t"`, cols, []string{"id"}, false)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE \"ns\".\"t\" (\n"+
		"\t\"id\" BIGINT NOT NULL,\n"+
		"\t\"price\" NUMERIC,\n"+
		"\t\"active\" BOOLEAN NOT NULL,\n"+
		"\t\"day\" DATE,\n"+
		"\t\"note\" TEXT,\n"+
		"\tUNIQUE (\"id\")\n)", stmt)

	stmt, err = buildCreateTableSQL(`"ns"."t"`, cols[:1], nil, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt, `CREATE TABLE IF NOT EXISTS "ns"."t"`))

	_, err = buildCreateTableSQL(`"ns"."t"`, []inference.Column{{Name: "x-y"}}, nil, false)
	assert.ErrorIs(t, err, ident.ErrInvalidIdentifier)
	_, err = buildCreateTableSQL(`"ns"."t"`, nil, nil, false)
	assert.ErrorIs(t, err, ErrInvalidColumns)
}

func TestCreateTableDuplicate(t *testing.T) {
	db := &fakeDB{failOn: 1, failErr: &pgconn.PgError{Code: dberror.CodeDuplicateTable}}
	audit := &fakeAudit{}
	e := NewEngine(db, audit)
	err := e.CreateTable(context.Background(), testTarget, []inference.Column{{Name: "id", Type: inference.Integer}}, nil)
	assert.ErrorIs(t, err, ErrDuplicateTable)
	assert.Equal(t, 409, ErrDuplicateTable.StatusCode())
	require.Len(t, audit.records, 1)
	assert.Equal(t, OpCreateTable, audit.records[0].Operation)
	assert.False(t, audit.records[0].Success)
}

func TestPredicate(t *testing.T) {
	p, err := IDIn("id", []any{1, 2, 3})
	require.NoError(t, err)
	where, args, err := p.clause()
	require.NoError(t, err)
	assert.Equal(t, `"id" IN ($1, $2, $3)`, where)
	assert.Len(t, args, 3)

	_, err = IDIn("id", nil)
	assert.ErrorIs(t, err, ErrInvalidPredicate)
	_, err = IDIn("id) OR (1=1", []any{1})
	assert.ErrorIs(t, err, ident.ErrInvalidIdentifier)
	_, _, err = Predicate{}.clause()
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestDeleteAndDropAreAudited(t *testing.T) {
	db := &fakeDB{}
	audit := &fakeAudit{}
	e := NewEngine(db, audit)

	p, err := IDIn("id", []any{"7"})
	require.NoError(t, err)
	_, err = e.DeleteRows(context.Background(), testTarget, p)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "t_0123456789abcdef01234567"."orders" WHERE "id" IN ($1)`, db.calls[0].query)

	require.NoError(t, e.DropTable(context.Background(), testTarget))
	assert.Equal(t, `DROP TABLE IF EXISTS "t_0123456789abcdef01234567"."orders"`, db.calls[1].query)

	require.Len(t, audit.records, 2)
	assert.Equal(t, OpDelete, audit.records[0].Operation)
	assert.Equal(t, OpDropTable, audit.records[1].Operation)
	assert.True(t, audit.records[1].Success)
	assert.Equal(t, int64(0), audit.records[1].RowsAffected)
}

// Tests below run against a real database.

func newTestEngine(t *testing.T) (*Engine, Target, *postgresql.MetadataStore) {
	dsn := os.Getenv("ETLSRV_TEST_DSN")
	if dsn == "" {
		t.Skip("ETLSRV_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := dbmanager.Open(ctx, dsn, dbmanager.Options{StatementTimeout: 30 * time.Second, LockTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, pool))

	tenantID := "etl-test-" + fmt.Sprint(time.Now().UnixNano())
	tm := tenant.NewManager(pool)
	ns, err := tm.EnsureNamespace(ctx, tenantID)
	require.NoError(t, err)
	t.Cleanup(func() {
		tm.DropNamespace(context.Background(), tenantID)
		pool.Close()
	})
	store := postgresql.NewMetadataStore(pool)
	return NewEngine(pool, store), Target{TenantID: tenantID, Namespace: ns, Table: "products"}, store
}

func TestUpsertAgainstDatabase(t *testing.T) {
	e, tgt, store := newTestEngine(t)
	ctx := context.Background()
	cols := []inference.Column{
		{Name: "id", Type: inference.Integer},
		{Name: "name", Type: inference.Text},
		{Name: "price", Type: inference.Decimal, Nullable: true},
	}
	require.NoError(t, e.CreateTable(ctx, tgt, cols, []string{"id"}))
	assert.ErrorIs(t, e.CreateTable(ctx, tgt, cols, []string{"id"}), ErrDuplicateTable)
	created, err := e.CreateTableIfNotExists(ctx, tgt, cols, []string{"id"})
	require.NoError(t, err)
	assert.False(t, created)

	names := inference.Names(cols)
	_, err = e.InsertRows(ctx, tgt, names, [][]any{{int64(1), "apple", "1.50"}, {int64(2), "pear", nil}}, 1000)
	require.NoError(t, err)

	_, err = e.UpsertRows(ctx, tgt, names, [][]any{{int64(1), "green apple", "2.00"}, {int64(3), "plum", "0.99"}}, []string{"id"}, 1000)
	require.NoError(t, err)

	count, err := e.CountRows(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	preview, err := e.GetPreview(ctx, tgt, 5000)
	require.NoError(t, err)
	assert.Equal(t, names, preview.Columns)
	byID := map[int64][]any{}
	for _, r := range preview.Rows {
		byID[r[0].(int64)] = r
	}
	assert.Equal(t, "green apple", byID[1][1])
	assert.Equal(t, "2.00", byID[1][2])

	p, err := IDIn("id", []any{int64(2), int64(99)})
	require.NoError(t, err)
	n, err := e.DeleteRows(ctx, tgt, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = e.TruncateTable(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	size, err := e.TableSizeMB(ctx, tgt)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, 0.0)

	require.NoError(t, e.DropTable(ctx, tgt))
	require.NoError(t, e.DropTable(ctx, tgt), "dropping a missing table succeeds")

	audit, err := store.ListAudit(ctx, tgt.TenantID, 100)
	require.NoError(t, err)
	ops := map[string]int{}
	for _, r := range audit {
		ops[r.Operation]++
	}
	assert.Equal(t, 2, ops[OpDropTable])
	assert.Equal(t, 1, ops[OpTruncate])
	assert.Equal(t, 1, ops[OpUpsert])
}
