package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations applies the .sql files at the root of fsys in name order, each in its own
// transaction, and returns the names it applied. Files are written to be re-runnable
// (IF NOT EXISTS, CREATE OR REPLACE); the schema and its NOTIFY triggers belong to the main
// application, this serves local setups and integration tests.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) ([]string, error) {
	names, err := migrationFiles(fsys)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(data))
		if sql == "" {
			continue
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, sql)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// migrationFiles lists the .sql files at the root of fsys, sorted.
func migrationFiles(fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	out := names[:0]
	for _, name := range names {
		if info, err := fs.Stat(fsys, name); err == nil && !info.IsDir() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
