// Package migrations holds the metadata schema and applies it at startup.
package migrations

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
)

//go:embed *.sql
var files embed.FS

var lockKey = dbmanager.AdvisoryKey("etlsrv:migrations")

// Versions returns the embedded migration names in the order they are applied.
func Versions() ([]string, error) {
	entries, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		versions = append(versions, strings.TrimSuffix(e, ".sql"))
	}
	return versions, nil
}

// Apply runs every migration not yet recorded in schema_migrations. Concurrent callers
// are serialized by an advisory lock, so several processes may start at once.
func Apply(ctx context.Context, db dbmanager.Runner) error {
	versions, err := Versions()
	if err != nil {
		return err
	}
	return db.WithAdvisoryLock(ctx, lockKey, func(ctx context.Context, tx dbmanager.Querier) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(128) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
			return err
		}
		for _, v := range versions {
			var applied bool
			if err := tx.QueryRowContext(ctx,
				"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", v).Scan(&applied); err != nil {
				return err
			}
			if applied {
				continue
			}
			script, err := files.ReadFile(v + ".sql")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("version", v).Msg("migration failed")
				return err
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", v); err != nil {
				return err
			}
			log.Ctx(ctx).Info().Str("version", v).Msg("applied migration")
		}
		return nil
	})
}
