package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every embedded .sql file in lexical order. It is not a
// framework: there is no migration-history table, just idempotent
// CREATE-TABLE-IF-NOT-EXISTS statements run once at process start.
func Migrate(ctx context.Context, pool PgxPool) error {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("op=postgres.Migrate: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("op=postgres.Migrate: %w", err)
		}
		if _, err := pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("op=postgres.Migrate: %s: %w", name, err)
		}
	}
	return nil
}
