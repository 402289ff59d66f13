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

const sessionColumns = `session_id, tenant_id, filename, declared_size, target_table, operation,
	status, progress, COALESCE(error_message, ''), COALESCE(warning, ''), rows_processed,
	created_at, updated_at`

// Progress and status only move forward. Terminal sessions are never modified.
const notTerminal = `status NOT IN ('completed', 'failed')`

func scanSession(r rowScanner) (*models.UploadSession, error) {
	s := &models.UploadSession{}
	err := r.Scan(&s.SessionID, &s.TenantID, &s.Filename, &s.DeclaredSize, &s.TargetTable, &s.Operation,
		&s.Status, &s.Progress, &s.ErrorMessage, &s.Warning, &s.RowsProcessed,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (s *MetadataStore) CreateSession(ctx context.Context, session *models.UploadSession) error {
	if err := requireTenant(ctx, session.TenantID); err != nil {
		return err
	}
	if session.Status == "" {
		session.Status = models.SessionUploading
	}
	errDb := s.conn().QueryRowContext(ctx, `
		INSERT INTO upload_sessions (session_id, tenant_id, filename, declared_size, target_table, operation, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		session.SessionID, session.TenantID, session.Filename, session.DeclaredSize,
		session.TargetTable, string(session.Operation), string(session.Status),
	).Scan(&session.CreatedAt, &session.UpdatedAt)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", session.SessionID.String()).Msg("failed to create session")
		return dberror.Translate(errDb)
	}
	return nil
}

// GetSession returns the session only if it belongs to tenantID.
func (s *MetadataStore) GetSession(ctx context.Context, tenantID string, sessionID uuid.UUID) (*models.UploadSession, error) {
	if err := requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	session, errDb := scanSession(s.conn().QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM upload_sessions WHERE session_id = $1 AND tenant_id = $2`, sessionID, tenantID))
	if errDb != nil {
		if errors.Is(errDb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("upload session not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", sessionID.String()).Msg("failed to get session")
		return nil, dberror.Translate(errDb)
	}
	return session, nil
}

func (s *MetadataStore) sessionUpdate(ctx context.Context, sessionID uuid.UUID, query string, args ...any) (bool, error) {
	res, errDb := s.conn().ExecContext(ctx, query, append([]any{sessionID}, args...)...)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("session_id", sessionID.String()).Msg("failed to update session")
		return false, dberror.Translate(errDb)
	}
	return rowsAffected(res) > 0, nil
}

// MarkSessionProcessing moves a non terminal session to processing.
func (s *MetadataStore) MarkSessionProcessing(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	return s.sessionUpdate(ctx, sessionID, `
		UPDATE upload_sessions SET status = 'processing', updated_at = now()
		WHERE session_id = $1 AND `+notTerminal)
}

// UpdateSessionProgress raises the progress of a non terminal session. Lower values are ignored.
func (s *MetadataStore) UpdateSessionProgress(ctx context.Context, sessionID uuid.UUID, progress int, rowsProcessed int64) (bool, error) {
	return s.sessionUpdate(ctx, sessionID, `
		UPDATE upload_sessions
		SET progress = GREATEST(progress, $2::smallint),
		    rows_processed = GREATEST(rows_processed, $3::bigint),
		    updated_at = now()
		WHERE session_id = $1 AND `+notTerminal, progress, rowsProcessed)
}

func (s *MetadataStore) SetSessionWarning(ctx context.Context, sessionID uuid.UUID, warning string) (bool, error) {
	return s.sessionUpdate(ctx, sessionID, `
		UPDATE upload_sessions SET warning = $2, updated_at = now()
		WHERE session_id = $1 AND `+notTerminal, warning)
}

func (s *MetadataStore) CompleteSession(ctx context.Context, sessionID uuid.UUID, rowsProcessed int64) (bool, error) {
	return s.sessionUpdate(ctx, sessionID, `
		UPDATE upload_sessions
		SET status = 'completed', progress = 100, rows_processed = $2, error_message = NULL, updated_at = now()
		WHERE session_id = $1 AND `+notTerminal, rowsProcessed)
}

func (s *MetadataStore) FailSession(ctx context.Context, sessionID uuid.UUID, message string) (bool, error) {
	return s.sessionUpdate(ctx, sessionID, `
		UPDATE upload_sessions SET status = 'failed', error_message = $2, updated_at = now()
		WHERE session_id = $1 AND `+notTerminal, nullString(message))
}

// DeleteSessionsBefore removes terminal sessions last updated before cutoff.
func (s *MetadataStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, errDb := s.conn().ExecContext(ctx, `
		DELETE FROM upload_sessions
		WHERE updated_at < $1 AND status IN ('completed', 'failed')`, cutoff)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to delete expired sessions")
		return 0, dberror.Translate(errDb)
	}
	return rowsAffected(res), nil
}
