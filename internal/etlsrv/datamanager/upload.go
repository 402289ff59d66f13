package datamanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/uuid"
	"github.com/tansive/tabletenant/internal/etlsrv/common"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
	"github.com/tansive/tabletenant/internal/etlsrv/ingest"
	"github.com/tansive/tabletenant/internal/etlsrv/jobs"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
	"github.com/tansive/tabletenant/internal/etlsrv/retention"
)

const bytesPerMB = 1024 * 1024

type UploadRequest struct {
	TenantID        string           `json:"-" validate:"required,max=128"`
	Filename        string           `json:"filename" validate:"required,max=512"`
	DeclaredSize    int64            `json:"declaredSize" validate:"gte=0"`
	TargetTable     string           `json:"table" validate:"required,pgident"`
	Operation       models.Operation `json:"operation" validate:"omitempty,oneof=insert upsert"`
	ConflictColumns []string         `json:"conflictColumns,omitempty" validate:"omitempty,pgidents"`
}

func (r *UploadRequest) validate() error {
	err := ident.V().Struct(r)
	if err == nil {
		if r.Operation == models.OperationUpsert && len(r.ConflictColumns) == 0 {
			return ErrInvalidRequest.Msg("upsert requires at least one conflict column")
		}
		return nil
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return ErrInvalidRequest.Err(err)
	}
	var msgs []string
	for _, e := range ve {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, "missing "+e.Field())
		case "pgident", "pgidents":
			msgs = append(msgs, e.Field()+": only letters, digits and underscore are allowed, up to "+strconv.Itoa(ident.MaxLength)+" characters")
		default:
			msgs = append(msgs, "invalid "+e.Field())
		}
	}
	for _, e := range ve {
		if e.Tag() == "pgident" || e.Tag() == "pgidents" {
			return ident.ErrInvalidIdentifier.Msg(strings.Join(msgs, "; "))
		}
	}
	return ErrInvalidRequest.Msg(strings.Join(msgs, "; "))
}

// SubmitUpload admits the upload, stores the file and queues its load. Admission failures
// are returned before anything is persisted. The returned session id can be polled with
// GetSessionStatus.
func (m *Manager) SubmitUpload(ctx context.Context, req UploadRequest, body io.Reader) (uuid.UUID, error) {
	tenantID, err := tenantOf(ctx, req.TenantID)
	if err != nil {
		return uuid.Nil, err
	}
	req.TenantID = tenantID
	if req.Operation == "" {
		req.Operation = models.OperationInsert
	}
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	if _, err := ingest.FormatFor(req.Filename); err != nil {
		return uuid.Nil, err
	}
	maxBytes := m.cfg.MaxFileSizeMB * bytesPerMB
	if maxBytes > 0 && req.DeclaredSize > maxBytes {
		return uuid.Nil, ErrFileTooLarge.Msg(fmt.Sprintf("file is %d bytes; the limit is %d MB", req.DeclaredSize, m.cfg.MaxFileSizeMB))
	}

	newTable := false
	if _, err := m.store.GetTableMetadata(ctx, req.TenantID, req.TargetTable); err != nil {
		if !errors.Is(err, dberror.ErrNotFound) {
			return uuid.Nil, err
		}
		newTable = true
	}
	decision, err := m.ledger.CheckAvailable(ctx, req.TenantID, quota.Request{
		SizeMB:   float64(req.DeclaredSize) / bytesPerMB,
		NewTable: newTable,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if !decision.Allowed {
		return uuid.Nil, decision.Err()
	}

	path, written, err := m.persist(ctx, req.Filename, body)
	if err != nil {
		return uuid.Nil, err
	}
	if req.DeclaredSize == 0 {
		req.DeclaredSize = written
	}

	sessionID := uuid.New()
	logger := log.Ctx(ctx).With().Str("session_id", sessionID.String()).Str("tenant_id", req.TenantID).Logger()
	session := &models.UploadSession{
		SessionID:    sessionID,
		TenantID:     req.TenantID,
		Filename:     req.Filename,
		DeclaredSize: req.DeclaredSize,
		TargetTable:  req.TargetTable,
		Operation:    req.Operation,
		Status:       models.SessionUploading,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		discard(ctx, path)
		return uuid.Nil, err
	}

	err = m.jobs.Enqueue(ctx, sessionID, &models.JobPayload{
		TenantID:        req.TenantID,
		FilePath:        path,
		Filename:        req.Filename,
		TargetTable:     req.TargetTable,
		Operation:       req.Operation,
		ConflictColumns: req.ConflictColumns,
		DeclaredSize:    req.DeclaredSize,
	})
	if err != nil {
		if _, errFail := m.store.FailSession(ctx, sessionID, "failed to queue the upload: "+err.Error()); errFail != nil {
			logger.Error().Err(errFail).Msg("failed to mark session failed")
		}
		discard(ctx, path)
		return uuid.Nil, err
	}
	logger.Info().Str("table", req.TargetTable).Int64("bytes", written).Msg("upload accepted")
	return sessionID, nil
}

// persist copies body to a uniquely named file in the upload directory, keeping the
// extension so the worker can pick the reader.
func (m *Manager) persist(ctx context.Context, filename string, body io.Reader) (string, int64, error) {
	if body == nil {
		return "", 0, ErrInvalidRequest.Msg("missing file content")
	}
	id, err := gonanoid.New(21)
	if err != nil {
		return "", 0, ErrUploadFailed.Err(err)
	}
	dir := m.cfg.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, retention.UploadPrefix+id+strings.ToLower(filepath.Ext(filename)))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("dir", dir).Msg("failed to create upload file")
		return "", 0, ErrUploadFailed.Err(err)
	}
	src := body
	maxBytes := m.cfg.MaxFileSizeMB * bytesPerMB
	if maxBytes > 0 {
		src = io.LimitReader(body, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if errClose := f.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		discard(ctx, path)
		log.Ctx(ctx).Error().Err(err).Msg("failed to write upload file")
		return "", 0, ErrUploadFailed.Err(err)
	}
	if maxBytes > 0 && n > maxBytes {
		discard(ctx, path)
		return "", 0, ErrFileTooLarge.Msg(fmt.Sprintf("file exceeds the %d MB limit", m.cfg.MaxFileSizeMB))
	}
	if n == 0 {
		discard(ctx, path)
		return "", 0, ingest.ErrParse.Msg("file is empty")
	}
	return path, n, nil
}

func discard(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("failed to remove upload file")
	}
}

type SessionStatus struct {
	SessionID     uuid.UUID            `json:"sessionId"`
	Filename      string               `json:"filename"`
	TargetTable   string               `json:"table"`
	Operation     models.Operation     `json:"operation"`
	Status        models.SessionStatus `json:"status"`
	Progress      int                  `json:"progress"`
	RowsProcessed int64                `json:"rowsProcessed"`
	Error         string               `json:"error,omitempty"`
	Warning       string               `json:"warning,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

func statusOf(s *models.UploadSession) *SessionStatus {
	return &SessionStatus{
		SessionID:     s.SessionID,
		Filename:      s.Filename,
		TargetTable:   s.TargetTable,
		Operation:     s.Operation,
		Status:        s.Status,
		Progress:      s.Progress,
		RowsProcessed: s.RowsProcessed,
		Error:         s.ErrorMessage,
		Warning:       s.Warning,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// GetSessionStatus returns the session as seen by tenantID. Sessions of other tenants are
// reported as not found.
func (m *Manager) GetSessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID) (*SessionStatus, error) {
	tenantID, err := tenantOf(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return statusOf(s), nil
}

// WaitSessionStatus returns as soon as the session changes or reaches a terminal state, or
// when timeout elapses, whichever is first. The timeout is capped by Config.MaxWait.
func (m *Manager) WaitSessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID, timeout time.Duration) (*SessionStatus, error) {
	if timeout <= 0 || m.bus == nil {
		return m.GetSessionStatus(ctx, tenantID, sessionID)
	}
	timeout = min(timeout, m.cfg.MaxWait)

	// subscribe first so an update between the read and the wait is not lost
	events, unsubscribe := m.bus.Subscribe(jobs.SessionTopic(sessionID), 1)
	defer unsubscribe()

	first, err := m.GetSessionStatus(ctx, tenantID, sessionID)
	if err != nil || first.Status.Terminal() {
		return first, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-events:
	case <-timer.C:
	case <-ctx.Done():
		return first, nil
	}
	return m.GetSessionStatus(ctx, tenantID, sessionID)
}

// tenantOf prefers an explicit tenant id and falls back to the one in ctx.
func tenantOf(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		tenantID = common.TenantIdFromContext(ctx)
	}
	if tenantID == "" {
		return "", dberror.ErrMissingTenantID
	}
	return tenantID, nil
}
