package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/tabletenant/internal/common/eventbus"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
)

type fakeSession struct {
	status   models.SessionStatus
	progress int
	rows     int64
	warning  string
	message  string
	history  []int
}

// fakeStore mimics the SQL guards of the metadata store: progress and row counts only
// grow and terminal sessions are frozen.
type fakeStore struct {
	mu       sync.Mutex
	queue    []*models.Job
	jobs     map[uuid.UUID]*models.Job
	sessions map[uuid.UUID]*fakeSession
	reclaims []time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[uuid.UUID]*models.Job{}, sessions: map[uuid.UUID]*fakeSession{}}
}

func (s *fakeStore) EnqueueJob(_ context.Context, job *models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.SessionID]; ok {
		return false, nil
	}
	s.jobs[job.SessionID] = job
	s.queue = append(s.queue, job)
	if _, ok := s.sessions[job.SessionID]; !ok {
		s.sessions[job.SessionID] = &fakeSession{status: models.SessionUploading}
	}
	return true, nil
}

func (s *fakeStore) DequeueJob(context.Context, string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	job.Status = models.JobProcessing
	job.Attempts++
	return job, nil
}

func (s *fakeStore) setJob(id uuid.UUID, status models.JobStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
		j.LastError = msg
	}
	return nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id uuid.UUID) error {
	return s.setJob(id, models.JobCompleted, "")
}

func (s *fakeStore) FailJob(_ context.Context, id uuid.UUID, msg string) error {
	return s.setJob(id, models.JobFailed, msg)
}

func (s *fakeStore) ReclaimStaleJobs(_ context.Context, before time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaims = append(s.reclaims, before)
	return 0, 0, nil
}

func (s *fakeStore) update(id uuid.UUID, fn func(*fakeSession)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.status.Terminal() {
		return false, nil
	}
	fn(sess)
	return true, nil
}

func (s *fakeStore) MarkSessionProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	return s.update(id, func(sess *fakeSession) { sess.status = models.SessionProcessing })
}

func (s *fakeStore) UpdateSessionProgress(_ context.Context, id uuid.UUID, progress int, rows int64) (bool, error) {
	return s.update(id, func(sess *fakeSession) {
		sess.progress = max(sess.progress, progress)
		sess.rows = max(sess.rows, rows)
		sess.history = append(sess.history, sess.progress)
	})
}

func (s *fakeStore) SetSessionWarning(_ context.Context, id uuid.UUID, warning string) (bool, error) {
	return s.update(id, func(sess *fakeSession) { sess.warning = warning })
}

func (s *fakeStore) CompleteSession(_ context.Context, id uuid.UUID, rows int64) (bool, error) {
	return s.update(id, func(sess *fakeSession) {
		sess.status = models.SessionCompleted
		sess.progress = 100
		sess.rows = rows
	})
}

func (s *fakeStore) FailSession(_ context.Context, id uuid.UUID, msg string) (bool, error) {
	return s.update(id, func(sess *fakeSession) {
		sess.status = models.SessionFailed
		sess.message = msg
	})
}

func (s *fakeStore) session(id uuid.UUID) fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

func (s *fakeStore) job(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type runFunc func(ctx context.Context, attempt int, rep Reporter) (int64, error)

type fakeRunner struct {
	mu       sync.Mutex
	attempts int
	payloads []models.JobPayload
	fn       runFunc
}

func (r *fakeRunner) Run(ctx context.Context, _ uuid.UUID, payload *models.JobPayload, rep Reporter) (int64, error) {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.payloads = append(r.payloads, *payload)
	r.mu.Unlock()
	return r.fn(ctx, attempt, rep)
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func testConfig() Config {
	return Config{
		Workers:       2,
		PollInterval:  10 * time.Millisecond,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		ShutdownGrace: time.Second,
	}
}

func tempUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte("id\n1\n"), 0o600))
	return path
}

func startOrchestrator(t *testing.T, cfg Config, store Store, runner Runner, bus *eventbus.EventBus) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(cfg, store, runner, bus)
	o.Start(context.Background())
	t.Cleanup(func() { o.Stop(context.Background()) })
	return o
}

func waitTerminal(t *testing.T, store *fakeStore, id uuid.UUID) fakeSession {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.session(id).status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return store.session(id)
}

func TestOrchestratorCompletesJob(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.New()
	runner := &fakeRunner{fn: func(ctx context.Context, _ int, rep Reporter) (int64, error) {
		rep.Progress(ctx, ProgressNamespaceReady, 0)
		rep.Progress(ctx, ProgressQuotaRecomputed, 42)
		return 42, nil
	}}
	o := startOrchestrator(t, testConfig(), store, runner, bus)

	id := uuid.New()
	events, unsubscribe := bus.Subscribe(SessionTopic(id), 16)
	defer unsubscribe()

	path := tempUpload(t)
	payload := &models.JobPayload{TenantID: "tenant-a", FilePath: path, TargetTable: "orders", Operation: models.OperationInsert}
	require.NoError(t, o.Enqueue(context.Background(), id, payload))

	sess := waitTerminal(t, store, id)
	assert.Equal(t, models.SessionCompleted, sess.status)
	assert.Equal(t, int64(42), sess.rows)
	assert.Equal(t, 100, sess.progress)
	assert.Equal(t, models.JobCompleted, store.job(id).Status)
	assert.Equal(t, 1, runner.count())

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)

	var last ProgressEvent
	for ev := range events {
		last = ev.Data.(ProgressEvent)
	}
	assert.Equal(t, models.SessionCompleted, last.Status)
	assert.Equal(t, ProgressCompleted, last.Progress)

	var stored models.JobPayload
	require.NoError(t, json.Unmarshal(store.job(id).Payload.Bytes, &stored))
	assert.Equal(t, *payload, stored)
}

func TestOrchestratorEnqueueIsIdempotent(t *testing.T) {
	store := newFakeStore()
	o := NewOrchestrator(testConfig(), store, &fakeRunner{}, nil)
	id := uuid.New()
	payload := &models.JobPayload{TenantID: "tenant-a", FilePath: "x.csv", TargetTable: "orders"}

	require.NoError(t, o.Enqueue(context.Background(), id, payload))
	require.NoError(t, o.Enqueue(context.Background(), id, payload))
	assert.Len(t, store.queue, 1)
	assert.Equal(t, 3, store.jobs[id].MaxAttempts)
}

func TestOrchestratorRetriesTransientFailures(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{fn: func(ctx context.Context, attempt int, rep Reporter) (int64, error) {
		rep.Progress(ctx, ProgressNamespaceReady, 0)
		if attempt == 1 {
			rep.Progress(ctx, ProgressTableReady, 1000)
			return 1000, dberror.ErrTransient.Msg("connection lost")
		}
		rep.Progress(ctx, ProgressSchemaInferred, 0)
		rep.Progress(ctx, ProgressTableReady, 500)
		return 2500, nil
	}}
	o := startOrchestrator(t, testConfig(), store, runner, nil)

	id := uuid.New()
	require.NoError(t, o.Enqueue(context.Background(), id, &models.JobPayload{
		TenantID: "tenant-a", FilePath: tempUpload(t), TargetTable: "orders", Operation: models.OperationInsert,
	}))

	sess := waitTerminal(t, store, id)
	assert.Equal(t, models.SessionCompleted, sess.status)
	assert.Equal(t, 2, runner.count())
	assert.Equal(t, int64(2500), sess.rows)
	assert.Contains(t, sess.warning, "1000 rows")

	for i := 1; i < len(sess.history); i++ {
		assert.GreaterOrEqual(t, sess.history[i], sess.history[i-1], "progress went backwards: %v", sess.history)
	}
}

func TestOrchestratorUpsertRetryHasNoWarning(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{fn: func(ctx context.Context, attempt int, rep Reporter) (int64, error) {
		if attempt == 1 {
			return 10, quota.ErrLockAcquisitionFailed
		}
		return 10, nil
	}}
	o := startOrchestrator(t, testConfig(), store, runner, nil)

	id := uuid.New()
	require.NoError(t, o.Enqueue(context.Background(), id, &models.JobPayload{
		TenantID: "tenant-a", FilePath: tempUpload(t), TargetTable: "orders",
		Operation: models.OperationUpsert, ConflictColumns: []string{"id"},
	}))

	sess := waitTerminal(t, store, id)
	assert.Equal(t, models.SessionCompleted, sess.status)
	assert.Equal(t, 2, runner.count())
	assert.Empty(t, sess.warning)
}

func TestOrchestratorPermanentFailure(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{fn: func(context.Context, int, Reporter) (int64, error) {
		return 0, quota.ErrTableLimitExceeded.Msg("table limit reached: 20 of 20 tables in use")
	}}
	o := startOrchestrator(t, testConfig(), store, runner, nil)

	id := uuid.New()
	path := tempUpload(t)
	require.NoError(t, o.Enqueue(context.Background(), id, &models.JobPayload{
		TenantID: "tenant-a", FilePath: path, TargetTable: "orders",
	}))

	sess := waitTerminal(t, store, id)
	assert.Equal(t, models.SessionFailed, sess.status)
	assert.Equal(t, "table limit reached: 20 of 20 tables in use", sess.message)
	assert.Equal(t, 1, runner.count())
	require.Eventually(t, func() bool {
		return store.job(id).Status == models.JobFailed
	}, time.Second, 5*time.Millisecond)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOrchestratorRetriesAreBounded(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{fn: func(context.Context, int, Reporter) (int64, error) {
		return 0, dberror.ErrTimeout
	}}
	o := startOrchestrator(t, testConfig(), store, runner, nil)

	id := uuid.New()
	require.NoError(t, o.Enqueue(context.Background(), id, &models.JobPayload{
		TenantID: "tenant-a", FilePath: tempUpload(t), TargetTable: "orders",
	}))

	sess := waitTerminal(t, store, id)
	assert.Equal(t, models.SessionFailed, sess.status)
	assert.Equal(t, 3, runner.count())
}

func TestOrchestratorStopLeavesInterruptedJob(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, _ int, _ Reporter) (int64, error) {
		close(started)
		<-ctx.Done()
		return 0, errors.Wrap(ctx.Err(), "load interrupted")
	}}
	cfg := testConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	o := NewOrchestrator(cfg, store, runner, nil)
	o.Start(context.Background())

	id := uuid.New()
	path := tempUpload(t)
	require.NoError(t, o.Enqueue(context.Background(), id, &models.JobPayload{
		TenantID: "tenant-a", FilePath: path, TargetTable: "orders",
	}))
	<-started
	o.Stop(context.Background())

	assert.Equal(t, models.SessionProcessing, store.session(id).status)
	assert.Equal(t, models.JobProcessing, store.job(id).Status)
	_, err := os.Stat(path)
	assert.NoError(t, err)

	assert.ErrorIs(t, o.Enqueue(context.Background(), uuid.New(), &models.JobPayload{TenantID: "tenant-a"}), ErrStopped)
}

func TestOrchestratorReclaimsAtStart(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.StaleAfter = time.Hour
	startOrchestrator(t, cfg, store, &fakeRunner{}, nil)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.reclaims, 1)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), store.reclaims[0], time.Minute)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", dberror.ErrTransient, true},
		{"timeout", dberror.ErrTimeout, true},
		{"lock timeout", dberror.ErrLockTimeout, true},
		{"quota check", quota.ErrQuotaCheckFailed, true},
		{"lock acquisition", quota.ErrLockAcquisitionFailed, true},
		{"table limit", quota.ErrTableLimitExceeded, false},
		{"storage quota", quota.ErrStorageQuotaExceeded, false},
		{"constraint", dberror.ErrConstraintViolation, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
