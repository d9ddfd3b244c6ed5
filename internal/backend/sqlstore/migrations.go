package sqlstore

import (
	"database/sql"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

// MigrationTableName is the table sql-migrate records applied migrations in.
const MigrationTableName = "rendezvous_monitor_migrations"

// Migrations returns the migrations creating the metadata table for the
// dialect. The table name is configurable, so the statements are rendered
// per backend.
func Migrations(dialect Dialect, table string) []*migrate.Migration {
	quoted := dialect.QuoteIdentifier(table)
	index := dialect.QuoteIdentifier(table + "_ts_idx")

	var up []string
	switch dialect {
	case Postgres:
		up = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				bid text PRIMARY KEY,
				obj_key text,
				ts timestamptz NOT NULL DEFAULT NOW()
			)`, quoted),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (ts)", index, quoted),
		}
	default:
		up = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				bid varchar(255) NOT NULL PRIMARY KEY,
				obj_key varchar(1024),
				ts timestamp(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				INDEX %s (ts)
			)`, quoted, index),
		}
	}

	return []*migrate.Migration{
		{
			Id:   "20210301120000_create_metadata_table",
			Up:   up,
			Down: []string{fmt.Sprintf("DROP TABLE %s", quoted)},
		},
	}
}

// PlanMigrations returns the migrations which are not yet applied.
func PlanMigrations(db *sql.DB, dialect Dialect, table string) ([]*migrate.PlannedMigration, error) {
	planned, _, err := migrationSet().PlanMigration(db, string(dialect), migrationSource(dialect, table), migrate.Up, 0)
	return planned, err
}

// Migrate applies all pending migrations and returns how many were applied.
func Migrate(db *sql.DB, dialect Dialect, table string) (int, error) {
	return migrationSet().Exec(db, string(dialect), migrationSource(dialect, table), migrate.Up)
}

func migrationSet() migrate.MigrationSet {
	return migrate.MigrationSet{
		IgnoreUnknown: true,
		TableName:     MigrationTableName,
	}
}

func migrationSource(dialect Dialect, table string) *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: Migrations(dialect, table)}
}
