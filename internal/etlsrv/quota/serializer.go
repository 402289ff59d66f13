package quota

import (
	"context"
	"errors"
	"sync"

	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
)

// LockKey is the advisory lock key for tenantID's quota record.
func LockKey(tenantID string) int64 {
	return dbmanager.AdvisoryKey("quota:", tenantID)
}

// AdvisorySerializer holds pg_advisory_xact_lock(LockKey(tenant)) for the critical section.
// The Store passed to the callback runs inside the locking transaction.
type AdvisorySerializer struct {
	runner   dbmanager.Runner
	storeFor func(dbmanager.Querier) Store
}

func NewAdvisorySerializer(runner dbmanager.Runner, storeFor func(dbmanager.Querier) Store) *AdvisorySerializer {
	return &AdvisorySerializer{runner: runner, storeFor: storeFor}
}

func (a *AdvisorySerializer) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context, s Store) error) error {
	err := a.runner.WithAdvisoryLock(ctx, LockKey(tenantID), func(ctx context.Context, tx dbmanager.Querier) error {
		return fn(ctx, a.storeFor(tx))
	})
	if err == nil {
		return nil
	}
	err = dberror.Translate(err)
	if errors.Is(err, dberror.ErrLockTimeout) || errors.Is(err, dberror.ErrTimeout) {
		return ErrLockAcquisitionFailed.Err(err)
	}
	return err
}

// LocalSerializer serializes tenants with in-process locks. It is only correct when a single
// process mutates the quota records.
type LocalSerializer struct {
	store Store
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalSerializer(store Store) *LocalSerializer {
	return &LocalSerializer{store: store, locks: make(map[string]*tenantLock)}
}

func (l *LocalSerializer) acquire(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[tenantID]
	if !ok {
		tl = &tenantLock{sem: make(chan struct{}, 1)}
		l.locks[tenantID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, tenantID)
		}
		l.mu.Unlock()
	}

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ErrLockAcquisitionFailed.Err(ctx.Err())
	}
}

func (l *LocalSerializer) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context, s Store) error) error {
	unlock, err := l.acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx, l.store)
}
