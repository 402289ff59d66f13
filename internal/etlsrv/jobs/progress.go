package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/eventbus"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

// Progress milestones persisted on the session while a job runs.
const (
	ProgressNamespaceReady  = 10
	ProgressSchemaInferred  = 20
	ProgressTableReady      = 60
	ProgressBatchesComplete = 70
	ProgressQuotaRecomputed = 90
	ProgressCompleted       = 100
)

// ProgressEvent is published on SessionTopic for every persisted change.
type ProgressEvent struct {
	SessionID     uuid.UUID            `json:"sessionId"`
	Status        models.SessionStatus `json:"status"`
	Progress      int                  `json:"progress"`
	RowsProcessed int64                `json:"rowsProcessed"`
	Message       string               `json:"message,omitempty"`
}

// SessionTopic is the event bus topic carrying a session's progress.
func SessionTopic(sessionID uuid.UUID) string {
	return "session." + sessionID.String()
}

// Reporter records pipeline progress.
type Reporter interface {
	Progress(ctx context.Context, progress int, rowsProcessed int64)
}

type sessionReporter struct {
	store     Store
	bus       *eventbus.EventBus
	sessionID uuid.UUID
}

// Progress persists before publishing so a subscriber that re-reads the session sees at
// least what the event announced. Failures are logged; progress is best effort.
func (r *sessionReporter) Progress(ctx context.Context, progress int, rowsProcessed int64) {
	if _, err := r.store.UpdateSessionProgress(ctx, r.sessionID, progress, rowsProcessed); err != nil {
		log.Ctx(ctx).Warn().Err(err).Int("progress", progress).Msg("failed to persist progress")
		return
	}
	r.publish(ProgressEvent{
		SessionID:     r.sessionID,
		Status:        models.SessionProcessing,
		Progress:      progress,
		RowsProcessed: rowsProcessed,
	})
}

func (r *sessionReporter) publish(ev ProgressEvent) {
	if r.bus != nil {
		r.bus.Publish(SessionTopic(r.sessionID), ev)
	}
}
