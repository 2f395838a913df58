package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newMigrator(db *sql.DB) (*goose.Provider, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("ledger: migrations fs: %w", err)
	}

	p, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return nil, fmt.Errorf("ledger: migration provider: %w", err)
	}

	return p, nil
}

// migrate brings the schema up to date and returns the resulting version.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) (int64, error) {
	p, err := newMigrator(db)
	if err != nil {
		return 0, err
	}

	results, err := p.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: migrating: %w", err)
	}

	for _, r := range results {
		logger.Debug("ledger migration applied",
			slog.Int64("version", r.Source.Version),
			slog.Duration("took", r.Duration),
		)
	}

	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: schema version: %w", err)
	}

	return version, nil
}
