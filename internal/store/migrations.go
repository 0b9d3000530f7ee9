package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID keys the advisory lock held while migrating, so api, worker
// and bot starting together apply each version once.
const migrationLockID = 7_302_114

type migration struct {
	version string
	sql     string
}

// RunMigrations applies embedded migrations not yet recorded in
// schema_migrations. Each version runs in its own transaction together with
// its bookkeeping row.
func (s *Store) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	all, err := loadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	var applied int
	for _, m := range all {
		ran := false
		err := s.withTx(ctx, func(q querier) error {
			if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}
			var done bool
			if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&done); err != nil {
				return fmt.Errorf("check migration %s: %w", m.version, err)
			}
			if done {
				return nil
			}
			if _, err := q.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("exec migration %s: %w", m.version, err)
			}
			if _, err := q.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.version, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return err
		}
		if ran {
			applied++
			s.log.Info("migration applied", slog.String("version", m.version))
		}
	}
	s.log.Debug("schema up to date", slog.Int("known", len(all)), slog.Int("applied", applied))
	return nil
}

// AppliedMigrations lists recorded versions in order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// loadMigrations reads dir's .sql files sorted by name. The version is the
// file name without extension; blank files are skipped.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		out = append(out, migration{version: strings.TrimSuffix(e.Name(), ".sql"), sql: sql})
	}
	return out, nil
}
