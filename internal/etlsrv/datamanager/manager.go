// Package datamanager is the tenant facing surface of the service. It admits uploads,
// reports their progress and runs the table maintenance operations that need an explicit
// confirmation.
package datamanager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tansive/tabletenant/internal/common/eventbus"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/etl"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
)

// Store is the metadata the manager reads and maintains.
type Store interface {
	CreateSession(ctx context.Context, session *models.UploadSession) error
	GetSession(ctx context.Context, tenantID string, sessionID uuid.UUID) (*models.UploadSession, error)
	FailSession(ctx context.Context, sessionID uuid.UUID, message string) (bool, error)

	GetTableMetadata(ctx context.Context, tenantID, table string) (*models.TableMetadata, error)
	ListTableMetadata(ctx context.Context, tenantID string) ([]*models.TableMetadata, error)
	UpdateTableCounters(ctx context.Context, tenantID, table string, rowCount int64, sizeMB float64) error
	DeleteTableMetadata(ctx context.Context, tenantID, table string) (bool, error)

	ListAudit(ctx context.Context, tenantID string, limit int) ([]*models.AuditRecord, error)
}

type Namespaces interface {
	Namespace(ctx context.Context, tenantID string) (string, error)
	ListTables(ctx context.Context, tenantID string) ([]string, error)
	DropNamespace(ctx context.Context, tenantID string) error
}

type Ledger interface {
	CheckAvailable(ctx context.Context, tenantID string, req quota.Request) (quota.Decision, error)
	Recalculate(ctx context.Context, tenantID, namespace string) (*models.Quota, error)
	DecrementTableCount(ctx context.Context, tenantID string) (*models.Quota, error)
	Usage(ctx context.Context, tenantID string) (quota.Usage, error)
	Warnings(ctx context.Context, tenantID string) ([]string, error)
}

// TableOps is the part of etl.Engine used for maintenance and reads.
type TableOps interface {
	DropTable(ctx context.Context, tgt etl.Target) error
	TruncateTable(ctx context.Context, tgt etl.Target) (int64, error)
	DeleteRows(ctx context.Context, tgt etl.Target, p etl.Predicate) (int64, error)
	GetPreview(ctx context.Context, tgt etl.Target, limit int) (*etl.Preview, error)
	CountRows(ctx context.Context, tgt etl.Target) (int64, error)
	TableSizeMB(ctx context.Context, tgt etl.Target) (float64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID uuid.UUID, payload *models.JobPayload) error
}

type Config struct {
	UploadDir     string
	MaxFileSizeMB int64
	// MaxWait caps the long poll of WaitSessionStatus.
	MaxWait time.Duration
}

type Manager struct {
	cfg        Config
	store      Store
	namespaces Namespaces
	ledger     Ledger
	tables     TableOps
	jobs       Enqueuer
	bus        *eventbus.EventBus
}

func NewManager(cfg Config, store Store, namespaces Namespaces, ledger Ledger, tables TableOps, jobs Enqueuer, bus *eventbus.EventBus) *Manager {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		namespaces: namespaces,
		ledger:     ledger,
		tables:     tables,
		jobs:       jobs,
		bus:        bus,
	}
}
