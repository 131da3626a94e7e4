// Package migrations holds the schema for the events and tasks tables,
// embedded into the binary and applied at startup.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Files contains SQL migrations using a flat naming convention
// (e.g. 001_init.sql) so they apply in lexical order.
//
//go:embed *.sql
var Files embed.FS

// Apply runs every embedded migration in order. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so re-running on startup is safe.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
