// Package db opens the image catalog and keeps its schema current.
package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens (or creates) the catalog database at path and applies any
// pending schema migrations. WAL keeps the API's reads from stalling
// behind the batch writers; the single connection serializes those
// writers so bulk image upserts never trip SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
	catalog, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", path, err)
	}
	catalog.SetMaxOpenConns(1)

	if err := migrate(catalog); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return catalog, nil
}

// migrate brings the catalog schema up to date from the embedded set.
func migrate(catalog *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(catalog, "migrations")
}
