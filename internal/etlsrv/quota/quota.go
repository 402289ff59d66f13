// Package quota keeps the per tenant table and storage ledger and admits or rejects writes
// against it.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonTableLimitExceeded   Reason = "TABLE_LIMIT_EXCEEDED"
	ReasonStorageQuotaExceeded Reason = "STORAGE_QUOTA_EXCEEDED"
)

// Request describes the write being admitted. With a SessionID the admitted charge is held
// on that job until Settle releases it.
type Request struct {
	SizeMB    float64
	NewTable  bool
	SessionID uuid.UUID
}

// Decision is the outcome of an admission check. Current and Limit refer to the ceiling
// named by Reason, or to storage when the request is allowed.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  Reason  `json:"reason,omitempty"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// Err returns the user facing error for a rejected decision, or nil.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonTableLimitExceeded:
		return ErrTableLimitExceeded.Msg(fmt.Sprintf("table limit reached: %d of %d tables in use", int(d.Current), int(d.Limit)))
	case ReasonStorageQuotaExceeded:
		return ErrStorageQuotaExceeded.Msg(fmt.Sprintf("storage quota exceeded: %.2f MB used of %.2f MB", d.Current, d.Limit))
	}
	return nil
}

// Store persists quota records. Implementations must floor counters at zero.
type Store interface {
	GetOrInitQuota(ctx context.Context, tenantID string, maxTables int, maxSizeMB float64) (*models.Quota, error)
	AddQuotaUsage(ctx context.Context, tenantID string, deltaTables int, deltaSizeMB float64) (*models.Quota, error)
	SetQuotaUsage(ctx context.Context, tenantID string, tables int, sizeMB float64) (*models.Quota, error)
	MeasureNamespace(ctx context.Context, namespace string) (float64, error)
	CountTableMetadata(ctx context.Context, tenantID string) (int, error)
	GetReservation(ctx context.Context, sessionID uuid.UUID) (models.Reservation, error)
	SetReservation(ctx context.Context, r models.Reservation) error
	PendingReservations(ctx context.Context, tenantID string) (tables int, sizeMB float64, err error)
}

// Serializer runs fn as the only quota mutation in flight for tenantID. The Store handed
// to fn is bound to the critical section.
type Serializer interface {
	WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context, s Store) error) error
}

type Limits struct {
	MaxTables   int
	MaxSizeMB   float64
	WarnPercent float64
}

type Ledger struct {
	store      Store
	serializer Serializer
	limits     Limits
}

func NewLedger(store Store, serializer Serializer, limits Limits) *Ledger {
	if limits.WarnPercent <= 0 || limits.WarnPercent > 100 {
		limits.WarnPercent = 80
	}
	return &Ledger{store: store, serializer: serializer, limits: limits}
}

func evaluate(q *models.Quota, req Request) Decision {
	if req.NewTable && q.TotalTables >= q.MaxTables {
		return Decision{
			Reason:  ReasonTableLimitExceeded,
			Current: float64(q.TotalTables),
			Limit:   float64(q.MaxTables),
		}
	}
	if q.TotalSizeMB >= q.MaxSizeMB || q.TotalSizeMB+req.SizeMB > q.MaxSizeMB {
		return Decision{
			Reason:  ReasonStorageQuotaExceeded,
			Current: q.TotalSizeMB,
			Limit:   q.MaxSizeMB,
		}
	}
	return Decision{Allowed: true, Current: q.TotalSizeMB, Limit: q.MaxSizeMB}
}

func checkFailed(err error) error {
	if errors.Is(err, ErrQuota) {
		return err
	}
	return ErrQuotaCheckFailed.Err(err)
}

// GetOrInitQuota returns the tenant's record, creating it with the plan limits on first use.
func (l *Ledger) GetOrInitQuota(ctx context.Context, tenantID string) (*models.Quota, error) {
	q, err := l.store.GetOrInitQuota(ctx, tenantID, l.limits.MaxTables, l.limits.MaxSizeMB)
	if err != nil {
		return nil, checkFailed(err)
	}
	return q, nil
}

// CheckAvailable is a read only admission check. Over quota is reported in the Decision,
// not as an error.
func (l *Ledger) CheckAvailable(ctx context.Context, tenantID string, req Request) (Decision, error) {
	q, err := l.GetOrInitQuota(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	return evaluate(q, req), nil
}

// ReserveSpace re-runs the admission check while holding the tenant lock and, if admitted,
// charges the estimate and the new table to the ledger before the lock is released. A job
// that already holds a reservation is admitted as if it did not, and its hold is replaced.
func (l *Ledger) ReserveSpace(ctx context.Context, tenantID string, req Request) (Decision, error) {
	var d Decision
	err := l.serializer.WithTenantLock(ctx, tenantID, func(ctx context.Context, s Store) error {
		q, err := s.GetOrInitQuota(ctx, tenantID, l.limits.MaxTables, l.limits.MaxSizeMB)
		if err != nil {
			return err
		}
		held := models.Reservation{SessionID: req.SessionID, TenantID: tenantID}
		if req.SessionID != uuid.Nil {
			if held, err = s.GetReservation(ctx, req.SessionID); err != nil {
				return err
			}
		}
		q.TotalTables = max(q.TotalTables-held.Tables, 0)
		q.TotalSizeMB = math.Max(q.TotalSizeMB-held.SizeMB, 0)
		d = evaluate(q, req)

		want := models.Reservation{SessionID: req.SessionID, TenantID: tenantID}
		if d.Allowed {
			if req.NewTable {
				want.Tables = 1
			}
			want.SizeMB = math.Max(req.SizeMB, 0)
		}
		if want.Tables == held.Tables && want.SizeMB == held.SizeMB {
			return nil
		}
		if _, err = s.AddQuotaUsage(ctx, tenantID, want.Tables-held.Tables, want.SizeMB-held.SizeMB); err != nil {
			return err
		}
		if req.SessionID == uuid.Nil {
			return nil
		}
		return s.SetReservation(ctx, want)
	})
	if err != nil {
		return Decision{}, checkFailed(err)
	}
	if !d.Allowed {
		log.Ctx(ctx).Info().Str("tenant_id", tenantID).Str("reason", string(d.Reason)).
			Float64("current", d.Current).Float64("limit", d.Limit).Msg("quota reservation rejected")
	}
	return d, nil
}

// Recalculate replaces the cached counters with the table count from metadata and the
// measured size of namespace, plus whatever unfinished jobs still hold. It is the only
// path that lowers the stored size.
func (l *Ledger) Recalculate(ctx context.Context, tenantID, namespace string) (*models.Quota, error) {
	return l.Settle(ctx, tenantID, namespace, uuid.Nil)
}

// Settle releases the reservation held by sessionID and recalculates in the same critical
// section. Jobs call it when an attempt ends, whatever the outcome.
func (l *Ledger) Settle(ctx context.Context, tenantID, namespace string, sessionID uuid.UUID) (*models.Quota, error) {
	var out *models.Quota
	err := l.serializer.WithTenantLock(ctx, tenantID, func(ctx context.Context, s Store) error {
		if _, err := s.GetOrInitQuota(ctx, tenantID, l.limits.MaxTables, l.limits.MaxSizeMB); err != nil {
			return err
		}
		if sessionID != uuid.Nil {
			if err := s.SetReservation(ctx, models.Reservation{SessionID: sessionID, TenantID: tenantID}); err != nil {
				return err
			}
		}
		tables, err := s.CountTableMetadata(ctx, tenantID)
		if err != nil {
			return err
		}
		var size float64
		if namespace != "" {
			if size, err = s.MeasureNamespace(ctx, namespace); err != nil {
				return err
			}
		}
		pendingTables, pendingMB, err := s.PendingReservations(ctx, tenantID)
		if err != nil {
			return err
		}
		out, err = s.SetQuotaUsage(ctx, tenantID, tables+pendingTables, size+pendingMB)
		return err
	})
	if err != nil {
		return nil, checkFailed(err)
	}
	log.Ctx(ctx).Debug().Str("tenant_id", tenantID).Int("tables", out.TotalTables).
		Float64("size_mb", out.TotalSizeMB).Msg("quota recalculated")
	return out, nil
}

func (l *Ledger) adjustTables(ctx context.Context, tenantID string, delta int) (*models.Quota, error) {
	var out *models.Quota
	err := l.serializer.WithTenantLock(ctx, tenantID, func(ctx context.Context, s Store) error {
		if _, err := s.GetOrInitQuota(ctx, tenantID, l.limits.MaxTables, l.limits.MaxSizeMB); err != nil {
			return err
		}
		var err error
		out, err = s.AddQuotaUsage(ctx, tenantID, delta, 0)
		return err
	})
	if err != nil {
		return nil, checkFailed(err)
	}
	return out, nil
}

func (l *Ledger) IncrementTableCount(ctx context.Context, tenantID string) (*models.Quota, error) {
	return l.adjustTables(ctx, tenantID, 1)
}

// DecrementTableCount never takes the count below zero.
func (l *Ledger) DecrementTableCount(ctx context.Context, tenantID string) (*models.Quota, error) {
	return l.adjustTables(ctx, tenantID, -1)
}

type Usage struct {
	TotalTables   int     `json:"totalTables"`
	MaxTables     int     `json:"maxTables"`
	TotalSizeMB   float64 `json:"totalSizeMb"`
	LimitMB       float64 `json:"limitMb"`
	UsagePercent  float64 `json:"usagePercent"`
	TablesPercent float64 `json:"tablesPercent"`
}

func percent(used, limit float64) float64 {
	if limit <= 0 {
		return 100
	}
	return math.Round(used/limit*10000) / 100
}

func usageOf(q *models.Quota) Usage {
	return Usage{
		TotalTables:   q.TotalTables,
		MaxTables:     q.MaxTables,
		TotalSizeMB:   q.TotalSizeMB,
		LimitMB:       q.MaxSizeMB,
		UsagePercent:  percent(q.TotalSizeMB, q.MaxSizeMB),
		TablesPercent: percent(float64(q.TotalTables), float64(q.MaxTables)),
	}
}

func (l *Ledger) Usage(ctx context.Context, tenantID string) (Usage, error) {
	q, err := l.GetOrInitQuota(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	return usageOf(q), nil
}

// Warnings lists non blocking notices at WarnPercent of either ceiling and blocking notices
// once a ceiling is reached.
func (l *Ledger) Warnings(ctx context.Context, tenantID string) ([]string, error) {
	u, err := l.Usage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return warningsFor(u, l.limits.WarnPercent), nil
}

func warningsFor(u Usage, warnPercent float64) []string {
	warnings := []string{}
	switch {
	case u.UsagePercent >= 100:
		warnings = append(warnings, fmt.Sprintf(
			"Storage quota reached: %.2f MB of %.2f MB used. New uploads are blocked until data is removed.",
			u.TotalSizeMB, u.LimitMB))
	case u.UsagePercent >= warnPercent:
		warnings = append(warnings, fmt.Sprintf(
			"Storage usage is at %.0f%% of the %.2f MB limit.", u.UsagePercent, u.LimitMB))
	}
	switch {
	case u.TablesPercent >= 100:
		warnings = append(warnings, fmt.Sprintf(
			"Table limit reached: %d of %d tables. New tables are blocked until a table is dropped.",
			u.TotalTables, u.MaxTables))
	case u.TablesPercent >= warnPercent:
		warnings = append(warnings, fmt.Sprintf(
			"Table count is at %.0f%% of the limit (%d of %d).", u.TablesPercent, u.TotalTables, u.MaxTables))
	}
	return warnings
}
