package quota

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/tabletenant/internal/common/apperrors"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

// memStore is an in-memory Store. Each call is atomic on its own, check-then-write across
// calls is not, so tests exercise the serializer rather than the store.
type memStore struct {
	mu       sync.Mutex
	quotas   map[string]*models.Quota
	tables   map[string]int
	held     map[uuid.UUID]models.Reservation
	landed   map[uuid.UUID]bool // the job's table has a metadata record
	measured float64
	delay    time.Duration
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		quotas: map[string]*models.Quota{},
		tables: map[string]int{},
		held:   map[uuid.UUID]models.Reservation{},
		landed: map[uuid.UUID]bool{},
	}
}

func (m *memStore) GetOrInitQuota(_ context.Context, tenantID string, maxTables int, maxSizeMB float64) (*models.Quota, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	q, ok := m.quotas[tenantID]
	if !ok {
		q = &models.Quota{TenantID: tenantID, MaxTables: maxTables, MaxSizeMB: maxSizeMB}
		m.quotas[tenantID] = q
	}
	c := *q
	return &c, nil
}

func (m *memStore) AddQuotaUsage(_ context.Context, tenantID string, deltaTables int, deltaSizeMB float64) (*models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quotas[tenantID]
	q.TotalTables = max(q.TotalTables+deltaTables, 0)
	q.TotalSizeMB = max(q.TotalSizeMB+deltaSizeMB, 0)
	c := *q
	return &c, nil
}

func (m *memStore) SetQuotaUsage(_ context.Context, tenantID string, tables int, sizeMB float64) (*models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quotas[tenantID]
	q.TotalTables = tables
	q.TotalSizeMB = sizeMB
	now := time.Now()
	q.LastRecalculatedAt = &now
	c := *q
	return &c, nil
}

func (m *memStore) MeasureNamespace(context.Context, string) (float64, error) {
	return m.measured, nil
}

func (m *memStore) CountTableMetadata(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[tenantID], nil
}

func (m *memStore) GetReservation(_ context.Context, sessionID uuid.UUID) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.held[sessionID]; ok {
		return r, nil
	}
	return models.Reservation{SessionID: sessionID}, nil
}

func (m *memStore) SetReservation(_ context.Context, r models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Tables == 0 && r.SizeMB == 0 {
		delete(m.held, r.SessionID)
		return nil
	}
	m.held[r.SessionID] = r
	return nil
}

func (m *memStore) PendingReservations(_ context.Context, tenantID string) (int, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tables, size := 0, 0.0
	for id, r := range m.held {
		if r.TenantID != tenantID {
			continue
		}
		if !m.landed[id] {
			tables += r.Tables
		}
		size += r.SizeMB
	}
	return tables, size, nil
}

func (m *memStore) set(tenantID string, tables int, sizeMB float64, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[tenantID] = &models.Quota{
		TenantID: tenantID, TotalTables: tables, TotalSizeMB: sizeMB,
		MaxTables: limits.MaxTables, MaxSizeMB: limits.MaxSizeMB,
	}
}

var testLimits = Limits{MaxTables: 20, MaxSizeMB: 1024, WarnPercent: 80}

func newTestLedger() (*Ledger, *memStore) {
	store := newMemStore()
	return NewLedger(store, NewLocalSerializer(store), testLimits), store
}

func TestEvaluate(t *testing.T) {
	q := &models.Quota{TotalTables: 19, MaxTables: 20, TotalSizeMB: 100, MaxSizeMB: 1024}
	assert.True(t, evaluate(q, Request{NewTable: true, SizeMB: 10}).Allowed)

	q.TotalTables = 20
	d := evaluate(q, Request{NewTable: true})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTableLimitExceeded, d.Reason)
	assert.Equal(t, 20.0, d.Current)
	assert.Equal(t, 20.0, d.Limit)

	// appending to an existing table is not limited by the table count
	assert.True(t, evaluate(q, Request{SizeMB: 1}).Allowed)

	d = evaluate(q, Request{SizeMB: 925})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStorageQuotaExceeded, d.Reason)

	q.TotalSizeMB = 1024
	d = evaluate(q, Request{})
	assert.Equal(t, ReasonStorageQuotaExceeded, d.Reason, "a full quota blocks even empty uploads")
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Decision{Allowed: true}.Err())

	err := Decision{Reason: ReasonTableLimitExceeded, Current: 20, Limit: 20}.Err()
	assert.ErrorIs(t, err, ErrTableLimitExceeded)
	assert.Equal(t, "table limit reached: 20 of 20 tables in use", err.Error())
	assert.Equal(t, http.StatusConflict, apperrors.StatusCodeOf(err))

	err = Decision{Reason: ReasonStorageQuotaExceeded, Current: 1000, Limit: 1024}.Err()
	assert.ErrorIs(t, err, ErrStorageQuotaExceeded)
	assert.Equal(t, "STORAGE_QUOTA_EXCEEDED", apperrors.ReasonOf(err))
}

func TestReserveTableLimit(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()
	store.set("tenant", 19, 0, testLimits)

	d, err := ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SizeMB: 1})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	q, err := ledger.GetOrInitQuota(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 20, q.TotalTables)
	assert.Equal(t, 1.0, q.TotalSizeMB)

	d, err = ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SizeMB: 1})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTableLimitExceeded, d.Reason)
	q, err = ledger.GetOrInitQuota(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 20, q.TotalTables)
	assert.Equal(t, 1.0, q.TotalSizeMB)
}

func TestConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()
	store.delay = time.Millisecond

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := ledger.ReserveSpace(ctx, "tenant", Request{SizeMB: 600})
			assert.NoError(t, err)
			if d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())

	q, err := ledger.GetOrInitQuota(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 600.0, q.TotalSizeMB)
}

func TestRecalculateKeepsOutstandingReservations(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	limits := Limits{MaxTables: 2, MaxSizeMB: 1024}
	ledger := NewLedger(store, NewLocalSerializer(store), limits)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a, b} {
		d, err := ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SizeMB: 10, SessionID: id})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// only a's table has been recorded so far
	store.tables["tenant"] = 1
	store.landed[a] = true
	store.measured = 4
	q, err := ledger.Recalculate(ctx, "tenant", "t_abc")
	require.NoError(t, err)
	assert.Equal(t, 2, q.TotalTables)
	assert.Equal(t, 24.0, q.TotalSizeMB)

	d, err := ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SessionID: c})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTableLimitExceeded, d.Reason)

	// b fails and settles, which frees its table for c
	q, err = ledger.Settle(ctx, "tenant", "t_abc", b)
	require.NoError(t, err)
	assert.Equal(t, 1, q.TotalTables)
	d, err = ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SessionID: c})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestReserveAgainReplacesHold(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()
	store.set("tenant", 19, 0, testLimits)
	id := uuid.New()

	d, err := ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SizeMB: 5, SessionID: id})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// a retried attempt is not blocked by its own earlier hold
	d, err = ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SizeMB: 5, SessionID: id})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	q, err := ledger.GetOrInitQuota(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 20, q.TotalTables)
	assert.Equal(t, 5.0, q.TotalSizeMB)

	// a rejected retry gives the hold back
	d, err = ledger.ReserveSpace(ctx, "tenant", Request{NewTable: true, SizeMB: 2000, SessionID: id})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	q, err = ledger.GetOrInitQuota(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 19, q.TotalTables)
	assert.Equal(t, 0.0, q.TotalSizeMB)
	assert.Empty(t, store.held)
}

func TestTenantsDoNotContend(t *testing.T) {
	store := newMemStore()
	s := NewLocalSerializer(store)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go s.WithTenantLock(ctx, "a", func(context.Context, Store) error {
		close(held)
		<-release
		return nil
	})
	<-held

	done := make(chan struct{})
	go func() {
		s.WithTenantLock(ctx, "b", func(context.Context, Store) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tenant b waited for tenant a")
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.WithTenantLock(tctx, "a", func(context.Context, Store) error { return nil })
	assert.ErrorIs(t, err, ErrLockAcquisitionFailed)
	close(release)
}

func TestRecalculateAndDecrement(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()
	store.set("tenant", 5, 900, testLimits)
	store.tables["tenant"] = 2
	store.measured = 12.5

	q, err := ledger.Recalculate(ctx, "tenant", "t_abc")
	require.NoError(t, err)
	assert.Equal(t, 2, q.TotalTables)
	assert.Equal(t, 12.5, q.TotalSizeMB)
	assert.NotNil(t, q.LastRecalculatedAt)

	for i := 0; i < 4; i++ {
		q, err = ledger.DecrementTableCount(ctx, "tenant")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, q.TotalTables)

	q, err = ledger.IncrementTableCount(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 1, q.TotalTables)
}

func TestWarnings(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()

	store.set("tenant", 1, 100, testLimits)
	w, err := ledger.Warnings(ctx, "tenant")
	require.NoError(t, err)
	assert.Empty(t, w)

	store.set("tenant", 16, 850, testLimits)
	w, err = ledger.Warnings(ctx, "tenant")
	require.NoError(t, err)
	require.Len(t, w, 2)
	assert.Contains(t, w[0], "Storage usage is at 83%")
	assert.Contains(t, w[1], "16 of 20")

	store.set("tenant", 20, 1024, testLimits)
	w, err = ledger.Warnings(ctx, "tenant")
	require.NoError(t, err)
	require.Len(t, w, 2)
	assert.Contains(t, w[0], "New uploads are blocked")
	assert.Contains(t, w[1], "New tables are blocked")

	u, err := ledger.Usage(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 100.0, u.UsagePercent)
	assert.Equal(t, 1024.0, u.LimitMB)
}

func TestStoreFailureIsTransient(t *testing.T) {
	ledger, store := newTestLedger()
	store.failWith = dberror.ErrTransient.Err(errors.New("connection reset"))

	_, err := ledger.CheckAvailable(context.Background(), "tenant", Request{})
	assert.ErrorIs(t, err, ErrQuotaCheckFailed)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.StatusCodeOf(err))
}

type fakeRunner struct {
	err error
}

func (f fakeRunner) WithTx(ctx context.Context, fn func(context.Context, dbmanager.Querier) error) error {
	return fn(ctx, nil)
}

func (f fakeRunner) WithAdvisoryLock(ctx context.Context, key int64, fn func(context.Context, dbmanager.Querier) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(ctx, nil)
}

func TestAdvisorySerializer(t *testing.T) {
	store := newMemStore()
	calls := 0
	s := NewAdvisorySerializer(fakeRunner{}, func(dbmanager.Querier) Store { calls++; return store })
	require.NoError(t, s.WithTenantLock(context.Background(), "t", func(_ context.Context, got Store) error {
		assert.Same(t, store, got)
		return nil
	}))
	assert.Equal(t, 1, calls)

	s = NewAdvisorySerializer(fakeRunner{err: dberror.ErrLockTimeout.Err(errors.New("55P03"))}, func(dbmanager.Querier) Store { return store })
	err := s.WithTenantLock(context.Background(), "t", func(context.Context, Store) error { return nil })
	assert.ErrorIs(t, err, ErrLockAcquisitionFailed)

	assert.Equal(t, dbmanager.AdvisoryKey("quota:t"), LockKey("t"))
}
