// Package jobs runs uploaded files through the load pipeline on a bounded pool of workers.
// Jobs are durable rows in etl_jobs, so any process sharing the database can pick them up
// and a job left behind by a stopped worker is reclaimed once its lock goes stale.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/eventbus"
	"github.com/tansive/tabletenant/internal/common/metrics"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

// Store is the durable queue together with the session updates a worker makes.
type Store interface {
	EnqueueJob(ctx context.Context, job *models.Job) (bool, error)
	DequeueJob(ctx context.Context, workerID string) (*models.Job, error)
	CompleteJob(ctx context.Context, sessionID uuid.UUID) error
	FailJob(ctx context.Context, sessionID uuid.UUID, lastError string) error
	ReclaimStaleJobs(ctx context.Context, lockedBefore time.Time) (requeued, failed int64, err error)

	MarkSessionProcessing(ctx context.Context, sessionID uuid.UUID) (bool, error)
	UpdateSessionProgress(ctx context.Context, sessionID uuid.UUID, progress int, rowsProcessed int64) (bool, error)
	SetSessionWarning(ctx context.Context, sessionID uuid.UUID, warning string) (bool, error)
	CompleteSession(ctx context.Context, sessionID uuid.UUID, rowsProcessed int64) (bool, error)
	FailSession(ctx context.Context, sessionID uuid.UUID, message string) (bool, error)
}

// Runner executes a single attempt of a job. *Pipeline is the production Runner.
type Runner interface {
	Run(ctx context.Context, sessionID uuid.UUID, payload *models.JobPayload, rep Reporter) (int64, error)
}

type Config struct {
	Workers       int
	PollInterval  time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	StaleAfter    time.Duration
	ShutdownGrace time.Duration
	// MaxAttempts bounds how many times a job is dequeued, counting reclaims.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type Orchestrator struct {
	cfg    Config
	store  Store
	runner Runner
	bus    *eventbus.EventBus
	name   string
	wake   chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	pollCtx    context.Context
	pollCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	wg         sync.WaitGroup
}

func NewOrchestrator(cfg Config, store Store, runner Runner, bus *eventbus.EventBus) *Orchestrator {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "etlsrv"
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		store:  store,
		runner: runner,
		bus:    bus,
		name:   host + ":" + strconv.Itoa(os.Getpid()),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue persists the job for sessionID and wakes an idle worker. Enqueueing the same
// session twice is a no-op.
func (o *Orchestrator) Enqueue(ctx context.Context, sessionID uuid.UUID, payload *models.JobPayload) error {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if payload == nil || payload.TenantID == "" {
		return ErrInvalidPayload
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return ErrInvalidPayload.MsgErr("failed to encode job payload", err)
	}
	inserted, err := o.store.EnqueueJob(ctx, &models.Job{
		SessionID:   sessionID,
		TenantID:    payload.TenantID,
		Payload:     pgtype.JSONB{Bytes: raw, Status: pgtype.Present},
		Status:      models.JobQueued,
		MaxAttempts: o.cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Ctx(ctx).Debug().Str("session_id", sessionID.String()).Msg("job already enqueued")
	}
	o.signal()
	return nil
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start reclaims stale jobs and launches the workers. The logger of ctx is inherited by
// every job; cancelling ctx stops polling like Stop does, without the grace period.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.pollCtx, o.pollCancel = context.WithCancel(ctx)
	o.jobCtx, o.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Unlock()

	if _, _, err := o.ReclaimStale(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to reclaim stale jobs at startup")
	}

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(o.name + "/" + strconv.Itoa(i))
	}
	log.Ctx(ctx).Info().Int("workers", o.cfg.Workers).Msg("job workers started")
}

// Stop stops accepting and polling, then waits for running jobs for up to the shutdown
// grace period or until ctx is done. Jobs still running after that are cancelled and left
// in processing for ReclaimStale.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	started := o.started
	o.mu.Unlock()
	if !started {
		return
	}

	o.pollCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var grace <-chan time.Time
	if o.cfg.ShutdownGrace > 0 {
		t := time.NewTimer(o.cfg.ShutdownGrace)
		defer t.Stop()
		grace = t.C
	}
	select {
	case <-done:
	case <-grace:
		log.Ctx(ctx).Warn().Msg("shutdown grace period expired, cancelling running jobs")
	case <-ctx.Done():
		log.Ctx(ctx).Warn().Msg("shutdown cancelled, cancelling running jobs")
	}
	o.jobCancel()
	<-done
	log.Ctx(ctx).Info().Msg("job workers stopped")
}

// ReclaimStale requeues jobs whose worker lock is older than the configured stale age and
// fails those out of attempts.
func (o *Orchestrator) ReclaimStale(ctx context.Context) (requeued, failed int64, err error) {
	requeued, failed, err = o.store.ReclaimStaleJobs(ctx, time.Now().Add(-o.cfg.StaleAfter))
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || failed > 0 {
		log.Ctx(ctx).Info().Int64("requeued", requeued).Int64("failed", failed).Msg("reclaimed stale jobs")
	}
	if requeued > 0 {
		o.signal()
	}
	return requeued, failed, nil
}

func (o *Orchestrator) worker(id string) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for o.pollCtx.Err() == nil {
			job, err := o.store.DequeueJob(o.pollCtx, id)
			if err != nil {
				if o.pollCtx.Err() == nil {
					log.Ctx(o.pollCtx).Error().Err(err).Str("worker", id).Msg("failed to dequeue job")
				}
				break
			}
			if job == nil {
				break
			}
			o.process(id, job)
		}
		select {
		case <-o.pollCtx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) process(workerID string, job *models.Job) {
	start := time.Now()
	logger := log.Ctx(o.jobCtx).With().
		Str("session_id", job.SessionID.String()).
		Str("tenant_id", job.TenantID).
		Str("worker", workerID).
		Int("attempt", job.Attempts).
		Logger()
	ctx := logger.WithContext(o.jobCtx)
	rep := &sessionReporter{store: o.store, bus: o.bus, sessionID: job.SessionID}

	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload.Bytes, &payload); err != nil {
		o.finish(ctx, job, &payload, 0, ErrInvalidPayload.MsgErr("failed to decode job payload", err), start)
		return
	}
	if payload.TenantID == "" {
		payload.TenantID = job.TenantID
	}

	if _, err := o.store.MarkSessionProcessing(ctx, job.SessionID); err != nil {
		logger.Warn().Err(err).Msg("failed to mark session processing")
	}
	rep.publish(ProgressEvent{SessionID: job.SessionID, Status: models.SessionProcessing})
	logger.Info().Str("table", payload.TargetTable).Str("operation", string(payload.Operation)).Msg("processing upload")

	var rows, attemptRows int64
	err := retry.Do(func() error {
		n, err := o.runner.Run(ctx, job.SessionID, &payload, rep)
		attemptRows = n
		if err != nil {
			return err
		}
		rows = n
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(o.cfg.RetryAttempts),
		retry.Delay(o.cfg.RetryDelay),
		retry.MaxDelay(o.cfg.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("retry", n+1).Msg("job attempt failed, retrying")
			if attemptRows > 0 && payload.Operation != models.OperationUpsert {
				warning := fmt.Sprintf("the load was retried after %d rows had been written; some rows may appear twice", attemptRows)
				if _, errWarn := o.store.SetSessionWarning(ctx, job.SessionID, warning); errWarn != nil {
					logger.Warn().Err(errWarn).Msg("failed to record retry warning")
				}
			}
		}),
	)

	if o.jobCtx.Err() != nil {
		// The file stays on disk so the reclaimed job can run again.
		logger.Warn().Err(err).Msg("job interrupted by shutdown")
		metrics.IncCounter(metrics.JobsTotal, 1, metrics.Labels{"status": "interrupted"})
		return
	}
	o.finish(ctx, job, &payload, rows, err, start)
}

func (o *Orchestrator) finish(ctx context.Context, job *models.Job, payload *models.JobPayload, rows int64, jobErr error, start time.Time) {
	logger := log.Ctx(ctx)
	ev := ProgressEvent{SessionID: job.SessionID, RowsProcessed: rows}
	status := "completed"

	if jobErr == nil {
		if _, err := o.store.CompleteSession(ctx, job.SessionID, rows); err != nil {
			logger.Error().Err(err).Msg("failed to complete session")
		}
		if err := o.store.CompleteJob(ctx, job.SessionID); err != nil {
			logger.Error().Err(err).Msg("failed to complete job")
		}
		ev.Status, ev.Progress = models.SessionCompleted, ProgressCompleted
		logger.Info().Int64("rows", rows).Dur("elapsed", time.Since(start)).Msg("job completed")
	} else {
		status = "failed"
		msg := jobErr.Error()
		if _, err := o.store.FailSession(ctx, job.SessionID, msg); err != nil {
			logger.Error().Err(err).Msg("failed to mark session failed")
		}
		if err := o.store.FailJob(ctx, job.SessionID, msg); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		ev.Status, ev.Message = models.SessionFailed, msg
		logger.Error().Err(jobErr).Dur("elapsed", time.Since(start)).Msg("job failed")
	}

	removeUpload(ctx, payload.FilePath)

	metrics.IncCounter(metrics.JobsTotal, 1, metrics.Labels{"status": status})
	metrics.ObserveHistogram(metrics.JobDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"status": status})

	if o.bus != nil {
		topic := SessionTopic(job.SessionID)
		o.bus.Publish(topic, ev)
		o.bus.CloseTopic(topic)
	}
}

// removeUpload deletes the temporary upload. A failure only leaves an orphan for the
// retention sweep, so it is logged and otherwise ignored.
func removeUpload(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("failed to remove upload file")
	}
}
