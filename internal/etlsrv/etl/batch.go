package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/metrics"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
)

// BatchStats describes one flushed batch.
type BatchStats struct {
	Batch    int
	Rows     int64
	Total    int64
	Duration time.Duration
}

// BatchWriter streams rows into a table, issuing one multi-row statement per batch. It
// writes a single audit record when it is closed or aborted.
type BatchWriter struct {
	e         *Engine
	tgt       Target
	op        string
	columns   []string
	qualified string
	quoted    []string
	conflict  string
	keyIndex  []int
	batchSize int
	fullSQL   string

	pending []any
	rows    int
	keys    map[string]int
	batches int
	total   int64
	err     error
	done    bool

	// OnBatch is called after every successful batch.
	OnBatch func(ctx context.Context, stats BatchStats)
}

func (e *Engine) newWriter(tgt Target, op string, columns []string, batchSize int) (*BatchWriter, error) {
	if len(columns) == 0 {
		return nil, ErrInvalidColumns.Msg("no columns to write")
	}
	qualified, err := tgt.qualified()
	if err != nil {
		return nil, err
	}
	quoted, err := ident.QuoteAll(columns)
	if err != nil {
		return nil, err
	}
	// rejects duplicate column names
	if err := requireSubset(columns, columns); err != nil {
		return nil, err
	}
	size := effectiveBatchSize(batchSize, len(columns))
	return &BatchWriter{
		e:         e,
		tgt:       tgt,
		op:        op,
		columns:   columns,
		qualified: qualified,
		quoted:    quoted,
		batchSize: size,
		pending:   make([]any, 0, size*len(columns)),
	}, nil
}

// NewInserter returns a writer that appends rows with plain INSERT statements.
func (e *Engine) NewInserter(tgt Target, columns []string, batchSize int) (*BatchWriter, error) {
	return e.newWriter(tgt, OpInsert, columns, batchSize)
}

// NewUpserter returns a writer that resolves conflicts on conflictColumns. Within one batch
// a later row with the same key replaces the earlier one.
func (e *Engine) NewUpserter(tgt Target, columns, conflictColumns []string, batchSize int) (*BatchWriter, error) {
	w, err := e.newWriter(tgt, OpUpsert, columns, batchSize)
	if err != nil {
		return nil, err
	}
	if w.conflict, err = buildConflictClause(columns, conflictColumns); err != nil {
		return nil, err
	}
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	for _, c := range conflictColumns {
		w.keyIndex = append(w.keyIndex, pos[c])
	}
	w.keys = make(map[string]int)
	return w, nil
}

// BatchSize is the effective number of rows per statement.
func (w *BatchWriter) BatchSize() int {
	return w.batchSize
}

// Total is the number of rows written so far.
func (w *BatchWriter) Total() int64 {
	return w.total
}

// Err returns the error that stopped the writer, if any.
func (w *BatchWriter) Err() error {
	return w.err
}

// rowKey returns the conflict key of row. ok is false when any key value is NULL, since
// NULL keys never conflict and every such row must be sent.
func (w *BatchWriter) rowKey(row []any) (key string, ok bool) {
	var b strings.Builder
	for _, i := range w.keyIndex {
		if row[i] == nil {
			return "", false
		}
		fmt.Fprintf(&b, "%T:%v\x00", row[i], row[i])
	}
	return b.String(), true
}

// Write buffers row and flushes when the batch is full. After a failed batch every call
// returns the same error.
func (w *BatchWriter) Write(ctx context.Context, row []any) error {
	if w.err != nil {
		return w.err
	}
	if w.done {
		return ErrWriterClosed
	}
	if len(row) != len(w.columns) {
		return ErrInvalidColumns.Msg(fmt.Sprintf("row has %d values for %d columns", len(row), len(w.columns)))
	}
	if w.keys != nil {
		if k, ok := w.rowKey(row); ok {
			if at, dup := w.keys[k]; dup {
				copy(w.pending[at*len(w.columns):], row)
				return nil
			}
			w.keys[k] = w.rows
		}
	}
	w.pending = append(w.pending, row...)
	w.rows++
	if w.rows >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered rows as one statement.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.rows == 0 {
		return nil
	}
	var stmt string
	if w.rows == w.batchSize {
		if w.fullSQL == "" {
			w.fullSQL = buildInsertSQL(w.qualified, w.quoted, w.batchSize, w.conflict)
		}
		stmt = w.fullSQL
	} else {
		stmt = buildInsertSQL(w.qualified, w.quoted, w.rows, w.conflict)
	}

	start := time.Now()
	res, errDb := w.e.db.ExecContext(ctx, stmt, w.pending...)
	elapsed := time.Since(start)
	labels := metrics.Labels{"operation": w.op}
	metrics.ObserveHistogram(metrics.BatchDuration, elapsed.Seconds(), labels)
	if errDb != nil {
		w.err = translate(errDb, w.tgt.Table)
		log.Ctx(ctx).Error().Err(errDb).Str("table", w.tgt.Table).Int("batch", w.batches+1).
			Int64("rows_written", w.total).Msg("batch failed")
		metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"operation": w.op, "status": "failed"})
		return w.err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = int64(w.rows)
	}
	w.batches++
	w.total += n
	metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"operation": w.op, "status": "ok"})
	metrics.IncCounter(metrics.RowsWrittenTotal, float64(n), labels)

	w.pending = w.pending[:0]
	w.rows = 0
	if w.keys != nil {
		clear(w.keys)
	}
	if w.OnBatch != nil {
		w.OnBatch(ctx, BatchStats{Batch: w.batches, Rows: n, Total: w.total, Duration: elapsed})
	}
	return nil
}

func (w *BatchWriter) details() map[string]any {
	d := map[string]any{"batches": w.batches, "batchSize": w.batchSize}
	if len(w.keyIndex) > 0 {
		keys := make([]string, len(w.keyIndex))
		for i, k := range w.keyIndex {
			keys[i] = w.columns[k]
		}
		d["conflictColumns"] = keys
	}
	return d
}

// Close flushes what is buffered and records the outcome. It returns the rows written and
// the error that stopped the writer, if any.
func (w *BatchWriter) Close(ctx context.Context) (int64, error) {
	if w.done {
		return w.total, w.err
	}
	w.Flush(ctx)
	w.done = true
	w.e.record(ctx, w.tgt, w.op, w.total, w.err, w.details())
	return w.total, w.err
}

// Abort discards buffered rows and records a failed operation caused by cause. Rows from
// batches already flushed stay in the table and are reported.
func (w *BatchWriter) Abort(ctx context.Context, cause error) int64 {
	if w.done {
		return w.total
	}
	w.done = true
	if w.err == nil {
		w.err = cause
	}
	w.pending = nil
	w.rows = 0
	w.e.record(ctx, w.tgt, w.op, w.total, w.err, w.details())
	return w.total
}
