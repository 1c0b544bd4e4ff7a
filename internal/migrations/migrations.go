// Package migrations applies the embedded schema in filename order and records
// each applied file in schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"rent-billing/pkg/logger"
	"rent-billing/pkg/utils"
)

//go:embed sql/*.sql
var files embed.FS

// Serializes concurrent migrators across replicas.
const advisoryLockKey = 727_001

// Apply runs every migration not yet recorded. It returns the applied file names.
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	log := logger.From(ctx)

	names, err := fileNames()
	if err != nil {
		return nil, err
	}

	var applied []string
	err = utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    filename   TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		done, err := appliedSet(ctx, tx)
		if err != nil {
			return err
		}

		for _, name := range names {
			if done[name] {
				continue
			}
			body, err := fs.ReadFile(files, "sql/"+name)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("run migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			applied = append(applied, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(applied) > 0 {
		log.Info("migrations applied", slog.Int("count", len(applied)), slog.Any("files", applied))
	} else {
		log.Debug("schema up to date")
	}
	return applied, nil
}

func fileNames() ([]string, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func appliedSet(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
