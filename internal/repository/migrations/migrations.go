// Package migrations applies the embedded database schema.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/wb-go/wbf/zlog"
)

const dir = "sql"

//go:embed sql/*.sql
var files embed.FS

// Up applies every pending migration.
func Up(db *sql.DB) error {
	goose.SetBaseFS(files)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			zlog.Logger.Info().Msg("no migrations to apply")
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}

	zlog.Logger.Info().Msg("database migrations applied")

	return nil
}
