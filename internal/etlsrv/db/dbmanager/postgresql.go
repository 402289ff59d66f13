package dbmanager

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog/log"
)

const (
	ScopeStatementTimeout = "statement_timeout"
	ScopeLockTimeout      = "lock_timeout"
)

var configuredScopes = []string{ScopeStatementTimeout, ScopeLockTimeout}

// Pool is a Postgres connection pool.
type Pool struct {
	db           *sql.DB
	connRequests atomic.Uint64
	connReturns  atomic.Uint64
}

var _ ScopedDb = (*Pool)(nil)
var _ Runner = (*Pool)(nil)
var _ Querier = (*Pool)(nil)

// Open connects to the database at dsn. Statement and lock timeouts are sent as runtime
// parameters so they apply to every connection the pool opens.
func Open(ctx context.Context, dsn string, opts Options) (*Pool, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to parse db dsn")
		return nil, err
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = make(map[string]string)
	}
	connConfig.RuntimeParams[ScopeStatementTimeout] = FormatTimeout(opts.StatementTimeout)
	connConfig.RuntimeParams[ScopeLockTimeout] = FormatTimeout(opts.LockTimeout)

	db := stdlib.OpenDB(*connConfig)
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to ping db")
		db.Close()
		return nil, err
	}
	return &Pool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	return p.db
}

func (p *Pool) Close() error {
	return p.db.Close()
}

func (p *Pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

func (p *Pool) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Pool) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn in a transaction. The transaction commits when fn returns nil and rolls
// back otherwise.
func (p *Pool) WithTx(ctx context.Context, fn func(ctx context.Context, tx Querier) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to begin transaction")
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Ctx(ctx).Error().Err(rbErr).Msg("failed to roll back transaction")
			}
			return
		}
		if err = tx.Commit(); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to commit transaction")
		}
	}()
	return fn(ctx, tx)
}

// WithAdvisoryLock runs fn in a transaction holding pg_advisory_xact_lock(key). The lock is
// released when the transaction ends. Waiting for the lock is bounded by lock_timeout.
func (p *Pool) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context, tx Querier) error) error {
	return p.WithTx(ctx, func(ctx context.Context, tx Querier) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
			log.Ctx(ctx).Error().Err(err).Int64("lock_key", key).Msg("failed to acquire advisory lock")
			return err
		}
		return fn(ctx, tx)
	})
}

// Conn returns a dedicated connection from the pool.
func (p *Pool) Conn(ctx context.Context) (ScopedConn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to obtain connection")
		return nil, err
	}
	p.connRequests.Add(1)
	return &postgresConn{
		conn:   conn,
		scopes: make(map[string]string),
		pool:   p,
	}, nil
}

// Stats returns the number of dedicated connections requested and returned.
func (p *Pool) Stats() (requests, returns uint64) {
	return p.connRequests.Load(), p.connReturns.Load()
}

type postgresConn struct {
	mu     sync.Mutex
	conn   *sql.Conn
	scopes map[string]string
	pool   *Pool
}

func isConfiguredScope(scope string) bool {
	for _, s := range configuredScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (h *postgresConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.conn.ExecContext(ctx, query, args...)
}

func (h *postgresConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

func (h *postgresConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.conn.QueryRowContext(ctx, query, args...)
}

// AddScope sets scope to value for the session. Only the timeout settings can be scoped.
func (h *postgresConn) AddScope(ctx context.Context, scope, value string) error {
	if !isConfiguredScope(scope) {
		return errors.New("unsupported connection scope " + scope)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.conn.ExecContext(ctx, "SELECT set_config($1, $2, false)", scope, value); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("scope", scope).Msg("failed to set scope")
		return err
	}
	h.scopes[scope] = value
	return nil
}

func (h *postgresConn) DropScope(ctx context.Context, scope string) error {
	if !isConfiguredScope(scope) {
		return errors.New("unsupported connection scope " + scope)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropScope(ctx, scope)
}

func (h *postgresConn) dropScope(ctx context.Context, scope string) error {
	// scope is one of configuredScopes, never user input
	if _, err := h.conn.ExecContext(ctx, "RESET "+scope); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("scope", scope).Msg("failed to reset scope")
		return err
	}
	delete(h.scopes, scope)
	return nil
}

func (h *postgresConn) DropAllScopes(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for scope := range h.scopes {
		if err := h.dropScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

func (h *postgresConn) Conn() *sql.Conn {
	return h.conn
}

// Close resets the scopes and returns the connection to the pool. A connection whose
// scopes cannot be reset is discarded instead of being reused.
func (h *postgresConn) Close(ctx context.Context) {
	if err := h.DropAllScopes(context.WithoutCancel(ctx)); err != nil {
		h.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	h.conn.Close()
	h.pool.connReturns.Add(1)
}
