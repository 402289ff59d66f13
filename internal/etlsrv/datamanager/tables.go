package datamanager

import (
	"context"
	"errors"
	"time"

	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/etl"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
	"github.com/tansive/tabletenant/internal/etlsrv/inference"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
	"github.com/tansive/tabletenant/internal/etlsrv/tenant"
)

type TableInfo struct {
	Name            string             `json:"name"`
	RowCount        int64              `json:"rowCount"`
	SizeMB          float64            `json:"sizeMb"`
	Columns         []inference.Column `json:"columns,omitempty"`
	ConflictColumns []string           `json:"conflictColumns,omitempty"`
	CreatedAt       *time.Time         `json:"createdAt,omitempty"`
}

// ListTables lists the tables that exist in the tenant's namespace, with the cached
// counters of their metadata records.
func (m *Manager) ListTables(ctx context.Context, tenantID string) ([]TableInfo, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	names, err := m.namespaces.ListTables(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	records, err := m.store.ListTableMetadata(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.TableMetadata, len(records))
	for _, r := range records {
		byName[r.TableName] = r
	}

	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		info := TableInfo{Name: name}
		if r, ok := byName[name]; ok {
			info.RowCount = r.RowCount
			info.SizeMB = r.SizeMB
			info.ConflictColumns = r.ConflictColumns
			created := r.CreatedAt
			info.CreatedAt = &created
			if len(r.Columns.Bytes) > 0 {
				if err := json.Unmarshal(r.Columns.Bytes, &info.Columns); err != nil {
					log.Ctx(ctx).Warn().Err(err).Str("table", name).Msg("unreadable column schema")
				}
			}
		}
		tables = append(tables, info)
	}
	return tables, nil
}

// target resolves table inside the tenant's namespace. A tenant without a namespace has
// no tables.
func (m *Manager) target(ctx context.Context, tenantID, table string) (etl.Target, error) {
	if _, err := ident.Sanitize(table); err != nil {
		return etl.Target{}, err
	}
	ns, err := m.namespaces.Namespace(ctx, tenantID)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return etl.Target{}, dberror.ErrNotFound.Msg("table " + table + " not found")
		}
		return etl.Target{}, err
	}
	return etl.Target{TenantID: tenantID, Namespace: ns, Table: table}, nil
}

func (m *Manager) GetPreview(ctx context.Context, tenantID, table string, limit int) (*etl.Preview, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tgt, err := m.target(ctx, tenantID, table)
	if err != nil {
		return nil, err
	}
	return m.tables.GetPreview(ctx, tgt, limit)
}

func confirmed(confirm, expected string) error {
	if confirm != expected {
		return ErrConfirmationMismatch.Msg("confirmation must equal " + expected)
	}
	return nil
}

// DropTable drops table and its metadata. Dropping a table that does not exist succeeds
// and still clears any leftover metadata.
func (m *Manager) DropTable(ctx context.Context, tenantID, table, confirm string) error {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := confirmed(confirm, table); err != nil {
		return err
	}
	tgt, err := m.target(ctx, tenantID, table)
	if err == nil {
		if err := m.tables.DropTable(ctx, tgt); err != nil {
			return err
		}
	} else if !errors.Is(err, dberror.ErrNotFound) {
		return err
	}

	deleted, err := m.store.DeleteTableMetadata(ctx, tenantID, table)
	if err != nil {
		return err
	}
	if deleted {
		if _, err := m.ledger.DecrementTableCount(ctx, tenantID); err != nil {
			return err
		}
	}
	if tgt.Namespace != "" {
		m.reconcile(ctx, tenantID, tgt.Namespace)
	}
	return nil
}

// TruncateTable removes every row and returns how many were removed.
func (m *Manager) TruncateTable(ctx context.Context, tenantID, table, confirm string) (int64, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if err := confirmed(confirm, table); err != nil {
		return 0, err
	}
	tgt, err := m.target(ctx, tenantID, table)
	if err != nil {
		return 0, err
	}
	n, err := m.tables.TruncateTable(ctx, tgt)
	if err != nil {
		return 0, err
	}
	m.refreshCounters(ctx, tgt)
	return n, nil
}

type DeleteRowsRequest struct {
	// Column defaults to "id".
	Column  string `json:"column,omitempty"`
	IDs     []any  `json:"ids"`
	Confirm string `json:"confirm"`
}

// DeleteRows deletes the rows whose key column is one of req.IDs.
func (m *Manager) DeleteRows(ctx context.Context, tenantID, table string, req DeleteRowsRequest) (int64, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if err := confirmed(req.Confirm, table); err != nil {
		return 0, err
	}
	column := req.Column
	if column == "" {
		column = "id"
	}
	p, err := etl.IDIn(column, req.IDs)
	if err != nil {
		return 0, err
	}
	tgt, err := m.target(ctx, tenantID, table)
	if err != nil {
		return 0, err
	}
	n, err := m.tables.DeleteRows(ctx, tgt, p)
	if err != nil {
		return 0, err
	}
	m.refreshCounters(ctx, tgt)
	return n, nil
}

// refreshCounters updates the table's row and size counters after a row level write. The
// write already happened, so failures are only logged. Tenant quota is left to the next
// recalculation.
func (m *Manager) refreshCounters(ctx context.Context, tgt etl.Target) {
	logger := log.Ctx(ctx).With().Str("tenant_id", tgt.TenantID).Str("table", tgt.Table).Logger()
	rows, err := m.tables.CountRows(ctx, tgt)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to count rows")
		return
	}
	size, err := m.tables.TableSizeMB(ctx, tgt)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to measure table")
		return
	}
	if err := m.store.UpdateTableCounters(ctx, tgt.TenantID, tgt.Table, rows, size); err != nil && !errors.Is(err, dberror.ErrNotFound) {
		logger.Warn().Err(err).Msg("failed to update table counters")
	}
}

func (m *Manager) reconcile(ctx context.Context, tenantID, namespace string) {
	if _, err := m.ledger.Recalculate(ctx, tenantID, namespace); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to recalculate quota")
	}
}

// DropNamespace irreversibly removes every table and record of the tenant. confirm must
// equal the tenant id.
func (m *Manager) DropNamespace(ctx context.Context, tenantID, confirm string) error {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := confirmed(confirm, tenantID); err != nil {
		return err
	}
	return m.namespaces.DropNamespace(ctx, tenantID)
}

// GetQuota reports usage against the tenant's limits. With recalculate the cached counters
// are first rebuilt from the catalog.
func (m *Manager) GetQuota(ctx context.Context, tenantID string, recalculate bool) (quota.Usage, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return quota.Usage{}, err
	}
	if recalculate {
		ns, err := m.namespaces.Namespace(ctx, tenantID)
		if errors.Is(err, dberror.ErrNotFound) {
			ns, err = tenant.DeriveNamespace(tenantID), nil
		}
		if err != nil {
			return quota.Usage{}, err
		}
		if _, err := m.ledger.Recalculate(ctx, tenantID, ns); err != nil {
			return quota.Usage{}, err
		}
	}
	return m.ledger.Usage(ctx, tenantID)
}

func (m *Manager) GetQuotaWarnings(ctx context.Context, tenantID string) ([]string, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.ledger.Warnings(ctx, tenantID)
}

// ListAudit returns the newest audit records of the tenant first.
func (m *Manager) ListAudit(ctx context.Context, tenantID string, limit int) ([]*models.AuditRecord, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.store.ListAudit(ctx, tenantID, limit)
}
