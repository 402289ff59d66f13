// Package tenant derives and provisions the isolated Postgres schema that holds a tenant's tables.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/postgresql"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
)

const (
	NamespacePrefix = "t_"
	// 96 bits of sha256; t_ plus the hash stays under the 63 byte identifier limit.
	hashChars = 24
)

// DB is the database surface the manager needs: plain queries plus transactions.
type DB interface {
	dbmanager.Querier
	dbmanager.Runner
}

type Manager struct {
	db    DB
	store *postgresql.MetadataStore
}

func NewManager(db DB) *Manager {
	return &Manager{
		db:    db,
		store: postgresql.NewMetadataStore(db),
	}
}

// DeriveNamespace returns the schema name for tenantID. It is deterministic and never
// depends on stored state.
func DeriveNamespace(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return NamespacePrefix + hex.EncodeToString(sum[:])[:hashChars]
}

// Namespace returns the recorded namespace for tenantID, or dberror.ErrNotFound when the
// tenant has never written anything.
func (m *Manager) Namespace(ctx context.Context, tenantID string) (string, error) {
	ns, err := m.store.GetNamespace(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return ident.Sanitize(ns.Namespace)
}

// EnsureNamespace creates the tenant's schema if needed and records the mapping. Concurrent
// calls for the same tenant are safe.
func (m *Manager) EnsureNamespace(ctx context.Context, tenantID string) (string, error) {
	ns, err := m.Namespace(ctx, tenantID)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, dberror.ErrNotFound) {
		return "", err
	}

	ns = DeriveNamespace(tenantID)
	quoted, err := ident.Quote(ns)
	if err != nil {
		return "", err
	}

	if _, errDb := m.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); errDb != nil {
		// IF NOT EXISTS still races on the catalog's unique index
		switch dberror.PgCode(errDb) {
		case dberror.CodeDuplicateSchema, dberror.CodeUniqueViolation:
			log.Ctx(ctx).Debug().Str("namespace", ns).Msg("namespace created concurrently")
		default:
			log.Ctx(ctx).Error().Err(errDb).Str("namespace", ns).Msg("failed to create namespace")
			return "", dberror.Translate(errDb)
		}
	}
	if _, errDb := m.db.ExecContext(ctx, "GRANT ALL ON SCHEMA "+quoted+" TO CURRENT_USER"); errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("namespace", ns).Msg("failed to grant namespace privileges")
		return "", dberror.Translate(errDb)
	}
	if err := m.store.RecordNamespace(ctx, tenantID, ns); err != nil {
		return "", err
	}
	log.Ctx(ctx).Info().Str("tenant_id", tenantID).Str("namespace", ns).Msg("namespace provisioned")
	return ns, nil
}

// DropNamespace destroys the tenant's schema with all its tables and deletes every metadata
// record owned by the tenant, in one transaction. It is irreversible.
func (m *Manager) DropNamespace(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return dberror.ErrMissingTenantID
	}
	ns := DeriveNamespace(tenantID)
	quoted, err := ident.Quote(ns)
	if err != nil {
		return err
	}
	err = m.db.WithTx(ctx, func(ctx context.Context, tx dbmanager.Querier) error {
		if _, errDb := tx.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+quoted+" CASCADE"); errDb != nil {
			log.Ctx(ctx).Error().Err(errDb).Str("namespace", ns).Msg("failed to drop namespace")
			return dberror.Translate(errDb)
		}
		return m.store.WithQuerier(tx).PurgeTenant(ctx, tenantID)
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("tenant_id", tenantID).Str("namespace", ns).Msg("namespace dropped")
	return nil
}

// ListTables lists the base tables in the tenant's namespace. A tenant without a namespace
// has no tables.
func (m *Manager) ListTables(ctx context.Context, tenantID string) ([]string, error) {
	ns, err := m.Namespace(ctx, tenantID)
	if errors.Is(err, dberror.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	rows, errDb := m.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, ns)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("namespace", ns).Msg("failed to list tables")
		return nil, dberror.Translate(errDb)
	}
	defer rows.Close()
	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, dberror.Translate(err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.Translate(err)
	}
	return tables, nil
}

// TableExists reports whether name is a table in the tenant's namespace.
func (m *Manager) TableExists(ctx context.Context, tenantID, name string) (bool, error) {
	if _, err := ident.Sanitize(name); err != nil {
		return false, err
	}
	ns, err := m.Namespace(ctx, tenantID)
	if errors.Is(err, dberror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var exists bool
	errDb := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2 AND table_type = 'BASE TABLE'
		)`, ns, name).Scan(&exists)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("table", name).Msg("failed to check table")
		return false, dberror.Translate(errDb)
	}
	return exists, nil
}
