// Package postgresql implements the metadata stores on top of a dbmanager.Querier. The same
// store type serves the pool and a transaction, so callers pick the scope.
package postgresql

import (
	"context"
	"database/sql"

	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
)

type MetadataStore struct {
	q dbmanager.Querier
}

func NewMetadataStore(q dbmanager.Querier) *MetadataStore {
	return &MetadataStore{q: q}
}

// WithQuerier returns a store bound to q, typically a transaction.
func (s *MetadataStore) WithQuerier(q dbmanager.Querier) *MetadataStore {
	return &MetadataStore{q: q}
}

func (s *MetadataStore) conn() dbmanager.Querier {
	return s.q
}

type rowScanner interface {
	Scan(dest ...any) error
}

func requireTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		err := dberror.ErrMissingTenantID
		log.Ctx(ctx).Error().Err(err).Msg("tenant ID is required")
		return err
	}
	return nil
}

func textArray(values []string) pgtype.TextArray {
	var a pgtype.TextArray
	if values == nil {
		values = []string{}
	}
	// Set only fails for unsupported source types
	_ = a.Set(values)
	return a
}

func stringsFrom(a pgtype.TextArray) []string {
	var out []string
	if a.Status != pgtype.Present {
		return out
	}
	_ = a.AssignTo(&out)
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
