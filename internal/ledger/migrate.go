package ledger

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgx5migrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate runs all pending migrations against dsn using the schema in
// migrations/, embedded at build time the way raphalbongso-wager-marketplace
// wires golang-migrate against lib/pq — here against pgx's stdlib adapter so
// the same driver serves both the pool (pg.go) and migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: load embedded migrations: %w", err)
	}

	driverDB, err := stdlib.Open(dsn)
	if err != nil {
		return fmt.Errorf("ledger: open migration connection: %w", err)
	}
	defer driverDB.Close()

	driver, err := pgx5migrate.WithInstance(driverDB, &pgx5migrate.Config{})
	if err != nil {
		return fmt.Errorf("ledger: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("ledger: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger: apply migrations: %w", err)
	}
	return nil
}
