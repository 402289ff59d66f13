package dbmanager

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvisoryKey(t *testing.T) {
	a := AdvisoryKey("quota:", "tenant-a")
	assert.Equal(t, a, AdvisoryKey("quota:tenant-a"))
	assert.NotEqual(t, a, AdvisoryKey("quota:", "tenant-b"))
	assert.NotEqual(t, a, AdvisoryKey("tenant-a"))
}

func TestTimeoutSetting(t *testing.T) {
	assert.Equal(t, "0", FormatTimeout(0))
	assert.Equal(t, "1ms", FormatTimeout(time.Microsecond))
	assert.Equal(t, "5000ms", FormatTimeout(5*time.Second))
}

func testPool(t *testing.T) *Pool {
	dsn := os.Getenv("ETLSRV_TEST_DSN")
	if dsn == "" {
		t.Skip("ETLSRV_TEST_DSN not set")
	}
	p, err := Open(context.Background(), dsn, Options{StatementTimeout: 10 * time.Second, LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolTimeouts(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()

	var v string
	require.NoError(t, p.QueryRowContext(ctx, "SHOW statement_timeout").Scan(&v))
	assert.Equal(t, "10s", v)

	c, err := p.Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, c.AddScope(ctx, ScopeStatementTimeout, "5min"))
	require.NoError(t, c.QueryRowContext(ctx, "SHOW statement_timeout").Scan(&v))
	assert.Equal(t, "5min", v)
	assert.Error(t, c.AddScope(ctx, "search_path", "x"))
	require.NoError(t, c.DropAllScopes(ctx))
	require.NoError(t, c.QueryRowContext(ctx, "SHOW statement_timeout").Scan(&v))
	assert.Equal(t, "10s", v)
	c.Close(ctx)

	req, ret := p.Stats()
	assert.Equal(t, uint64(1), req)
	assert.Equal(t, uint64(1), ret)
}

func TestWithTxRollback(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := p.WithAdvisoryLock(ctx, AdvisoryKey("dbmanager-test"), func(ctx context.Context, tx Querier) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE dbmanager_tx_rollback (n int)")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var exists bool
	require.NoError(t, p.QueryRowContext(ctx, "SELECT to_regclass('dbmanager_tx_rollback') IS NOT NULL").Scan(&exists))
	assert.False(t, exists)
}
