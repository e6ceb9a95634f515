package mevdb

import (
	"database/sql"
	"embed"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration under migrations/. Safe to call
// on every process start; sql-migrate tracks applied versions in its own
// gorp_migrations table.
func Migrate(db *sql.DB) (int, error) {
	source := migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}
	return migrate.Exec(db, "postgres", source, migrate.Up)
}
