package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/etl"
	"github.com/tansive/tabletenant/internal/etlsrv/inference"
	"github.com/tansive/tabletenant/internal/etlsrv/ingest"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
)

const bytesPerMB = 1024 * 1024

// Namespaces provisions the tenant's storage area.
type Namespaces interface {
	EnsureNamespace(ctx context.Context, tenantID string) (string, error)
}

type QuotaLedger interface {
	ReserveSpace(ctx context.Context, tenantID string, req quota.Request) (quota.Decision, error)
	Settle(ctx context.Context, tenantID, namespace string, sessionID uuid.UUID) (*models.Quota, error)
}

// TableCatalog holds the metadata record of every tenant table.
type TableCatalog interface {
	GetTableMetadata(ctx context.Context, tenantID, table string) (*models.TableMetadata, error)
	CreateTableMetadata(ctx context.Context, t *models.TableMetadata) (bool, error)
	UpdateTableCounters(ctx context.Context, tenantID, table string, rowCount int64, sizeMB float64) error
}

// TableWriter is the part of etl.Engine a job uses.
type TableWriter interface {
	CreateTableIfNotExists(ctx context.Context, tgt etl.Target, columns []inference.Column, uniqueColumns []string) (bool, error)
	NewInserter(tgt etl.Target, columns []string, batchSize int) (*etl.BatchWriter, error)
	NewUpserter(tgt etl.Target, columns, conflictColumns []string, batchSize int) (*etl.BatchWriter, error)
	CountRows(ctx context.Context, tgt etl.Target) (int64, error)
	TableSizeMB(ctx context.Context, tgt etl.Target) (float64, error)
}

// EngineProvider hands out a TableWriter for the duration of one job attempt. The returned
// release function must be called when the attempt ends.
type EngineProvider interface {
	Acquire(ctx context.Context) (TableWriter, func(), error)
}

// Pipeline loads one uploaded file into its target table.
type Pipeline struct {
	namespaces Namespaces
	ledger     QuotaLedger
	tables     TableCatalog
	engines    EngineProvider
	batchSize  int
}

func NewPipeline(namespaces Namespaces, ledger QuotaLedger, tables TableCatalog, engines EngineProvider, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = etl.DefaultBatchSize
	}
	return &Pipeline{
		namespaces: namespaces,
		ledger:     ledger,
		tables:     tables,
		engines:    engines,
		batchSize:  batchSize,
	}
}

// Run executes one attempt. The returned row count is the number of rows this attempt
// committed, also when it fails part way.
func (p *Pipeline) Run(ctx context.Context, sessionID uuid.UUID, payload *models.JobPayload, rep Reporter) (int64, error) {
	if payload == nil || payload.TenantID == "" || payload.TargetTable == "" {
		return 0, ErrInvalidPayload
	}
	if payload.FilePath == "" {
		return 0, ErrMissingFilePath
	}
	logger := log.Ctx(ctx)

	namespace, err := p.namespaces.EnsureNamespace(ctx, payload.TenantID)
	if err != nil {
		return 0, err
	}
	rep.Progress(ctx, ProgressNamespaceReady, 0)

	existing, err := p.tables.GetTableMetadata(ctx, payload.TenantID, payload.TargetTable)
	if err != nil && !errors.Is(err, dberror.ErrNotFound) {
		return 0, err
	}

	header, sampled, err := sampleFile(ctx, payload.FilePath)
	if err != nil {
		return 0, err
	}
	var columns []inference.Column
	if existing != nil {
		columns, err = storedColumns(existing, header)
	} else {
		columns = sampled
	}
	if err != nil {
		return 0, err
	}
	rep.Progress(ctx, ProgressSchemaInferred, 0)

	decision, err := p.ledger.ReserveSpace(ctx, payload.TenantID, quota.Request{
		SizeMB:    float64(payload.DeclaredSize) / bytesPerMB,
		NewTable:  existing == nil,
		SessionID: sessionID,
	})
	if err != nil {
		return 0, err
	}
	if !decision.Allowed {
		return 0, decision.Err()
	}

	var rows int64
	// A failed attempt releases its reservation so a retry is admitted against real usage.
	defer func() {
		if err == nil {
			return
		}
		if _, errSettle := p.ledger.Settle(context.WithoutCancel(ctx), payload.TenantID, namespace, sessionID); errSettle != nil {
			logger.Warn().Err(errSettle).Msg("failed to release quota reservation after a failed attempt")
		}
	}()

	engine, release, err := p.engines.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	tgt := etl.Target{TenantID: payload.TenantID, Namespace: namespace, Table: payload.TargetTable}
	if existing == nil {
		if err = p.createTable(ctx, engine, tgt, columns, payload); err != nil {
			return 0, err
		}
	}
	rep.Progress(ctx, ProgressTableReady, 0)

	rows, err = p.load(ctx, engine, tgt, header, columns, payload, rep)
	if err != nil {
		return rows, err
	}
	rep.Progress(ctx, ProgressBatchesComplete, rows)

	rowCount, err := engine.CountRows(ctx, tgt)
	if err != nil {
		return rows, err
	}
	sizeMB, err := engine.TableSizeMB(ctx, tgt)
	if err != nil {
		return rows, err
	}
	if err = p.tables.UpdateTableCounters(ctx, payload.TenantID, payload.TargetTable, rowCount, sizeMB); err != nil {
		return rows, err
	}
	if _, err = p.ledger.Settle(ctx, payload.TenantID, namespace, sessionID); err != nil {
		return rows, err
	}
	rep.Progress(ctx, ProgressQuotaRecomputed, rows)

	logger.Info().Int64("rows", rows).Int64("table_rows", rowCount).Float64("size_mb", sizeMB).Msg("file loaded")
	return rows, nil
}

func (p *Pipeline) createTable(ctx context.Context, engine TableWriter, tgt etl.Target, columns []inference.Column, payload *models.JobPayload) error {
	var unique []string
	if payload.Operation == models.OperationUpsert {
		unique = payload.ConflictColumns
	}
	if _, err := engine.CreateTableIfNotExists(ctx, tgt, columns, unique); err != nil {
		return err
	}
	schema, err := json.Marshal(columns)
	if err != nil {
		return ErrJob.MsgErr("failed to encode column schema", err)
	}
	// a retried attempt finds the record from the previous one
	_, err = p.tables.CreateTableMetadata(ctx, &models.TableMetadata{
		TenantID:        tgt.TenantID,
		Namespace:       tgt.Namespace,
		TableName:       tgt.Table,
		Columns:         pgtype.JSONB{Bytes: schema, Status: pgtype.Present},
		ConflictColumns: unique,
	})
	return err
}

func (p *Pipeline) load(ctx context.Context, engine TableWriter, tgt etl.Target, header []string, columns []inference.Column, payload *models.JobPayload, rep Reporter) (int64, error) {
	byName := make(map[string]inference.Column, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}

	var w *etl.BatchWriter
	var err error
	switch payload.Operation {
	case models.OperationUpsert:
		w, err = engine.NewUpserter(tgt, header, payload.ConflictColumns, p.batchSize)
	case models.OperationInsert, "":
		w, err = engine.NewInserter(tgt, header, p.batchSize)
	default:
		return 0, ErrInvalidPayload.Msg("unknown operation " + string(payload.Operation))
	}
	if err != nil {
		return 0, err
	}
	w.OnBatch = func(ctx context.Context, stats etl.BatchStats) {
		rep.Progress(ctx, ProgressTableReady, stats.Total)
	}

	r, err := ingest.Open(payload.FilePath)
	if err != nil {
		return 0, err
	}
	err = r.Stream(ctx, ingest.Handler{
		OnRow: func(row ingest.Row) error {
			values := make([]any, len(header))
			for i, name := range header {
				v, errConv := inference.Convert(byName[name], row.Values[name])
				if errConv != nil {
					return ingest.ErrParse.Msg(fmt.Sprintf("line %d: %s", row.Line, errConv.Error()))
				}
				values[i] = v
			}
			return w.Write(ctx, values)
		},
	})
	if err != nil {
		return w.Abort(ctx, err), err
	}
	return w.Close(ctx)
}

// sampleFile reads the header and just enough rows to infer column types.
func sampleFile(ctx context.Context, path string) ([]string, []inference.Column, error) {
	r, err := ingest.Open(path)
	if err != nil {
		return nil, nil, err
	}
	var header []string
	var acc *inference.Accumulator
	err = r.Stream(ctx, ingest.Handler{
		OnHeader: func(columns []string) error {
			header = columns
			acc = inference.NewAccumulator(columns)
			return nil
		},
		OnRow: func(row ingest.Row) error {
			acc.Add(row.Values)
			if acc.Full() {
				return ingest.ErrStop
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	if acc == nil {
		return nil, nil, ingest.ErrParse.Msg("file has no header")
	}
	return header, acc.Columns(), nil
}

// storedColumns returns the immutable schema of an existing table after checking that every
// file column is part of it.
func storedColumns(t *models.TableMetadata, header []string) ([]inference.Column, error) {
	var columns []inference.Column
	if err := json.Unmarshal(t.Columns.Bytes, &columns); err != nil {
		return nil, ErrJob.MsgErr("failed to decode column schema of "+t.TableName, err)
	}
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c.Name] = true
	}
	var unknown []string
	for _, h := range header {
		if !known[h] {
			unknown = append(unknown, h)
		}
	}
	if len(unknown) > 0 {
		return nil, ErrSchemaMismatch.Msg(fmt.Sprintf("table %s has no column(s) %s", t.TableName, strings.Join(unknown, ", ")))
	}
	return columns, nil
}
