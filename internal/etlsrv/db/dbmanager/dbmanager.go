// Package dbmanager owns the Postgres connection pool. Every connection handed out carries
// the configured statement and lock timeouts.
package dbmanager

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"strconv"
	"time"
)

// Querier is the subset of *sql.DB, *sql.Conn and *sql.Tx used by the stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Runner runs a function inside a transaction, optionally holding a transaction scoped
// advisory lock.
type Runner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error
	WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context, tx Querier) error) error
}

type ScopedDb interface {
	// Conn returns a dedicated connection whose session settings can be scoped.
	Conn(ctx context.Context) (ScopedConn, error)
	// Stats returns the number of connection requests and returns.
	Stats() (requests, returns uint64)
}

type ScopedConn interface {
	Querier
	// AddScope sets a session setting on the connection until it is dropped.
	AddScope(ctx context.Context, scope, value string) error
	// DropScope resets the given setting to the connection default.
	DropScope(ctx context.Context, scope string) error
	// DropAllScopes resets every setting added through AddScope.
	DropAllScopes(ctx context.Context) error
	// Conn returns the underlying connection.
	Conn() *sql.Conn
	// Close drops all scopes and returns the connection to the pool.
	Close(ctx context.Context)
}

// Options configure the pool.
type Options struct {
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	MaxOpenConns     int
	MaxIdleConns     int
}

// AdvisoryKey derives a stable int64 advisory lock key from the first 8 bytes of
// sha256 over the joined parts.
func AdvisoryKey(parts ...string) int64 {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// FormatTimeout renders d as a Postgres timeout setting. 0 disables the timeout.
func FormatTimeout(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10) + "ms"
}
