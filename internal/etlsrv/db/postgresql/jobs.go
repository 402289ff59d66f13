package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

const jobColumns = `session_id, tenant_id, payload, status, attempts, max_attempts, run_after,
	COALESCE(locked_by, ''), locked_at, COALESCE(last_error, ''), created_at, updated_at`

func scanJob(r rowScanner) (*models.Job, error) {
	j := &models.Job{}
	var lockedAt sql.NullTime
	err := r.Scan(&j.SessionID, &j.TenantID, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAfter,
		&j.LockedBy, &lockedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// EnqueueJob persists a queued job keyed by its session id. It returns false when a job for
// the session already exists.
func (s *MetadataStore) EnqueueJob(ctx context.Context, job *models.Job) (bool, error) {
	if err := requireTenant(ctx, job.TenantID); err != nil {
		return false, err
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	res, errDb := s.conn().ExecContext(ctx, `
		INSERT INTO etl_jobs (session_id, tenant_id, payload, max_attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		job.SessionID, job.TenantID, job.Payload, maxAttempts)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", job.SessionID.String()).Msg("failed to enqueue job")
		return false, dberror.Translate(errDb)
	}
	return rowsAffected(res) == 1, nil
}

// DequeueJob claims the oldest runnable job for workerID. It returns nil when the queue is
// empty. Rows locked by other workers are skipped.
func (s *MetadataStore) DequeueJob(ctx context.Context, workerID string) (*models.Job, error) {
	job, errDb := scanJob(s.conn().QueryRowContext(ctx, `
		UPDATE etl_jobs
		SET status = 'processing', attempts = attempts + 1, locked_by = $1, locked_at = now(), updated_at = now()
		WHERE session_id = (
			SELECT session_id FROM etl_jobs
			WHERE status = 'queued' AND run_after <= now()
			ORDER BY run_after, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID))
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, nil
		}
		log.Ctx(ctx).Error().Err(errDb).Str("worker", workerID).Msg("failed to dequeue job")
		return nil, dberror.Translate(errDb)
	}
	return job, nil
}

func (s *MetadataStore) GetJob(ctx context.Context, sessionID uuid.UUID) (*models.Job, error) {
	job, errDb := scanJob(s.conn().QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM etl_jobs WHERE session_id = $1`, sessionID))
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("job not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", sessionID.String()).Msg("failed to get job")
		return nil, dberror.Translate(errDb)
	}
	return job, nil
}

func (s *MetadataStore) finishJob(ctx context.Context, sessionID uuid.UUID, status models.JobStatus, lastError string) error {
	_, errDb := s.conn().ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = $2, last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE session_id = $1 AND status = 'processing'`, sessionID, string(status), nullString(lastError))
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", sessionID.String()).Msg("failed to finish job")
		return dberror.Translate(errDb)
	}
	return nil
}

func (s *MetadataStore) CompleteJob(ctx context.Context, sessionID uuid.UUID) error {
	return s.finishJob(ctx, sessionID, models.JobCompleted, "")
}

func (s *MetadataStore) FailJob(ctx context.Context, sessionID uuid.UUID, lastError string) error {
	return s.finishJob(ctx, sessionID, models.JobFailed, lastError)
}

// ReclaimStaleJobs returns jobs whose worker lock is older than lockedBefore to the queue.
// Jobs that already used all attempts are failed together with their session.
func (s *MetadataStore) ReclaimStaleJobs(ctx context.Context, lockedBefore time.Time) (requeued, failed int64, err error) {
	var n int64
	errDb := s.conn().QueryRowContext(ctx, `
		WITH exhausted AS (
			UPDATE etl_jobs
			SET status = 'failed', last_error = 'worker stopped before the job finished',
			    locked_by = NULL, locked_at = NULL, updated_at = now()
			WHERE status = 'processing' AND locked_at < $1 AND attempts >= max_attempts
			RETURNING session_id
		), sessions AS (
			UPDATE upload_sessions
			SET status = 'failed', error_message = 'processing was interrupted', updated_at = now()
			WHERE session_id IN (SELECT session_id FROM exhausted) AND status NOT IN ('completed', 'failed')
		)
		SELECT count(*) FROM exhausted`, lockedBefore).Scan(&n)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to fail exhausted jobs")
		return 0, 0, dberror.Translate(errDb)
	}
	failed = n

	res, errDb := s.conn().ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'queued', locked_by = NULL, locked_at = NULL, run_after = now(), updated_at = now()
		WHERE status = 'processing' AND locked_at < $1 AND attempts < max_attempts`, lockedBefore)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to requeue stale jobs")
		return 0, failed, dberror.Translate(errDb)
	}
	return rowsAffected(res), failed, nil
}

// DeleteFinishedJobsBefore removes completed and failed jobs last updated before cutoff.
func (s *MetadataStore) DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, errDb := s.conn().ExecContext(ctx, `
		DELETE FROM etl_jobs
		WHERE updated_at < $1 AND status IN ('completed', 'failed')`, cutoff)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to delete finished jobs")
		return 0, dberror.Translate(errDb)
	}
	return rowsAffected(res), nil
}

// GetReservation returns the quota held by the job of sessionID. A missing job holds nothing.
func (s *MetadataStore) GetReservation(ctx context.Context, sessionID uuid.UUID) (models.Reservation, error) {
	r := models.Reservation{SessionID: sessionID}
	errDb := s.conn().QueryRowContext(ctx,
		"SELECT tenant_id, reserved_tables, reserved_mb FROM etl_jobs WHERE session_id = $1", sessionID).
		Scan(&r.TenantID, &r.Tables, &r.SizeMB)
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return r, nil
		}
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", sessionID.String()).Msg("failed to get reservation")
		return r, dberror.Translate(errDb)
	}
	return r, nil
}

// SetReservation records the quota the job of r.SessionID holds. Zero values release it.
func (s *MetadataStore) SetReservation(ctx context.Context, r models.Reservation) error {
	_, errDb := s.conn().ExecContext(ctx, `
		UPDATE etl_jobs
		SET reserved_tables = GREATEST($2::integer, 0), reserved_mb = GREATEST($3::double precision, 0), updated_at = now()
		WHERE session_id = $1`, r.SessionID, r.Tables, r.SizeMB)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", r.SessionID.String()).Msg("failed to set reservation")
		return dberror.Translate(errDb)
	}
	return nil
}

// PendingReservations sums the quota held by unfinished jobs of tenantID. A table
// reservation stops counting once the table's metadata record exists.
func (s *MetadataStore) PendingReservations(ctx context.Context, tenantID string) (int, float64, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return 0, 0, err
	}
	var tables int
	var sizeMB float64
	errDb := s.conn().QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(j.reserved_tables) FILTER (WHERE NOT EXISTS (
				SELECT 1 FROM tenant_tables t
				WHERE t.tenant_id = j.tenant_id AND t.table_name = j.payload->>'targetTable')), 0)::integer,
			COALESCE(SUM(j.reserved_mb), 0)::double precision
		FROM etl_jobs j
		WHERE j.tenant_id = $1 AND j.status IN ('queued', 'processing')`, tenantID).Scan(&tables, &sizeMB)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID).Msg("failed to sum reservations")
		return 0, 0, dberror.Translate(errDb)
	}
	return tables, sizeMB, nil
}
