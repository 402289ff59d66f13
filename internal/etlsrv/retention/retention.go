// Package retention periodically removes expired sessions, audit records, finished jobs
// and upload files nobody will read again.
package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// UploadPrefix is the file name prefix of stored uploads.
const UploadPrefix = "upload-"

type Store interface {
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reclaimer returns jobs abandoned by stopped workers to the queue.
type Reclaimer interface {
	ReclaimStale(ctx context.Context) (requeued, failed int64, err error)
}

type Config struct {
	SessionRetention time.Duration
	AuditRetention   time.Duration
	Interval         time.Duration
	// UploadDir is scanned for upload files older than SessionRetention. Empty skips the scan.
	UploadDir string
}

type Result struct {
	Sessions int64
	Audit    int64
	Jobs     int64
	Files    int
	Requeued int64
	Failed   int64
}

type Sweeper struct {
	cfg       Config
	store     Store
	reclaimer Reclaimer
	now       func() time.Time
}

func NewSweeper(cfg Config, store Store, reclaimer Reclaimer) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{cfg: cfg, store: store, reclaimer: reclaimer, now: time.Now}
}

// SweepOnce runs every cleanup step. A failing step does not stop the others; the first
// error is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error
	now := s.now()

	if s.reclaimer != nil {
		var err error
		if res.Requeued, res.Failed, err = s.reclaimer.ReclaimStale(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.SessionRetention > 0 {
		cutoff := now.Add(-s.cfg.SessionRetention)
		var err error
		// jobs first, sessions cascade to any job left
		if res.Jobs, err = s.store.DeleteFinishedJobsBefore(ctx, cutoff); err != nil {
			errs = append(errs, err)
		}
		if res.Sessions, err = s.store.DeleteSessionsBefore(ctx, cutoff); err != nil {
			errs = append(errs, err)
		}
		res.Files = s.removeUploads(ctx, cutoff)
	}
	if s.cfg.AuditRetention > 0 {
		var err error
		if res.Audit, err = s.store.DeleteAuditBefore(ctx, now.Add(-s.cfg.AuditRetention)); err != nil {
			errs = append(errs, err)
		}
	}

	log.Ctx(ctx).Info().
		Int64("sessions", res.Sessions).
		Int64("audit", res.Audit).
		Int64("jobs", res.Jobs).
		Int("files", res.Files).
		Int64("requeued", res.Requeued).
		Int64("failed", res.Failed).
		Msg("retention sweep")
	if len(errs) > 0 {
		return res, errs[0]
	}
	return res, nil
}

func (s *Sweeper) removeUploads(ctx context.Context, cutoff time.Time) int {
	if s.cfg.UploadDir == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("dir", s.cfg.UploadDir).Msg("failed to read upload directory")
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), UploadPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.UploadDir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("failed to remove expired upload")
			continue
		}
		removed++
	}
	return removed
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Error().Err(err).Msg("retention sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
