package identitystore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// migrateDB runs the embedded schema migration against datasource, the same
// muz-driven pattern the teacher uses in store/sqlite3/migrate.go.
func migrateDB(ctx context.Context, datasource, table string, values map[string]string) error {
	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return fmt.Errorf("open sqlite connection for migration: %w", err)
	}
	defer db.Close()

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    values,
	}

	driver := muz.NewSQLiteDriver(db, table, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run identity store migrations: %w", err)
	}
	return nil
}
