package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func prepareGoose() error {
	goose.SetBaseFS(migrationsFS)
	return goose.SetDialect("postgres")
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// RunMigrations executes a goose command ("up", "down", "status", "redo", "reset", "version").
func RunMigrations(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, "migrations", args...)
}
