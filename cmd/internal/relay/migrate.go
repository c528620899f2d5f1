package relay

import (
	"context"
	"fmt"

	"chatsync/cmd/internal/relay/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate creates schema when missing and applies every pending migration inside it.
// It returns the versions applied by this call.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) ([]int64, error) {
	if pool == nil {
		return nil, fmt.Errorf("relay: migrate: nil pool")
	}
	if !isValidPGIdent(schema) {
		return nil, fmt.Errorf("relay: migrate: invalid schema identifier %q", schema)
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return nil, fmt.Errorf("relay: migrate: create schema: %w", err)
	}

	// Migrations use unqualified names; a dedicated pool pins search_path to schema,
	// goose's version table included.
	cfg := pool.Config()
	cfg.MaxConns = 1
	cfg.MinConns = 0
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	mp, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relay: migrate: pool: %w", err)
	}
	defer mp.Close()

	db := stdlib.OpenDBFromPool(mp)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("relay: migrate: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: migrate: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}
