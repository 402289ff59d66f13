package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
	"github.com/tansive/tabletenant/internal/etlsrv/etl"
)

// ConnSource hands out dedicated connections. *dbmanager.Pool is one.
type ConnSource interface {
	Conn(ctx context.Context) (dbmanager.ScopedConn, error)
}

// PoolEngines gives each job attempt its own connection with the bulk statement timeout,
// so long batch statements are not cut off by the default request timeout.
type PoolEngines struct {
	src         ConnSource
	audit       etl.AuditWriter
	bulkTimeout time.Duration
}

func NewPoolEngines(src ConnSource, audit etl.AuditWriter, bulkTimeout time.Duration) *PoolEngines {
	return &PoolEngines{src: src, audit: audit, bulkTimeout: bulkTimeout}
}

func (p *PoolEngines) Acquire(ctx context.Context) (TableWriter, func(), error) {
	conn, err := p.src.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	if p.bulkTimeout > 0 {
		if err := conn.AddScope(ctx, dbmanager.ScopeStatementTimeout, dbmanager.FormatTimeout(p.bulkTimeout)); err != nil {
			conn.Close(context.WithoutCancel(ctx))
			return nil, nil, err
		}
	}
	release := func() {
		conn.Close(context.WithoutCancel(ctx))
		log.Ctx(ctx).Debug().Msg("released job connection")
	}
	return etl.NewEngine(conn, p.audit), release, nil
}
