package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// migrationProfile carries the per-driver knobs: where the SQL files live,
// which table records applied versions, and how the insert guard is phrased.
type migrationProfile struct {
	dir          string
	table        string
	insertGuard  string
	versionsDDL  string
	timeAsString bool
}

func profileFor(driver DBDriver) (migrationProfile, error) {
	switch driver {
	case DBSQLite:
		return migrationProfile{
			dir:   "migrations/sqlite",
			table: "schema_migrations",
			insertGuard: `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)
ON CONFLICT(version) DO NOTHING`,
			versionsDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  applied_at TEXT NOT NULL
)`,
			timeAsString: true,
		}, nil
	case DBPostgres:
		return migrationProfile{
			dir:   "migrations/postgres",
			table: "fincore_schema_migrations",
			insertGuard: `INSERT INTO fincore_schema_migrations(version, applied_at) VALUES($1, $2)
ON CONFLICT(version) DO NOTHING`,
			versionsDDL: `CREATE TABLE IF NOT EXISTS fincore_schema_migrations (
  version TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL
)`,
		}, nil
	default:
		return migrationProfile{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// Migrate brings the schema up to date. Each embedded SQL file runs at most
// once, guarded by a row in the versions table; the row insert and the DDL
// share one transaction, so concurrent migrators race on the insert and the
// loser skips the file.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	p, err := profileFor(driver)
	if err != nil {
		return err
	}
	if _, err := db.Exec(p.versionsDDL); err != nil {
		return fmt.Errorf("ensure versions table: %w", err)
	}

	files, err := migrationFiles(p.dir)
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := applyMigration(db, p, file); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, p migrationProfile, file string) error {
	version := strings.TrimSuffix(path.Base(file), ".sql")
	ddl, err := migrationsFS.ReadFile(file)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	claimed, err := claimVersion(tx, p, version)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !claimed {
		_ = tx.Rollback()
		return nil
	}
	if _, err := tx.Exec(string(ddl)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	return tx.Commit()
}

// claimVersion reports whether this migrator won the version row.
func claimVersion(tx *sql.Tx, p migrationProfile, version string) (bool, error) {
	now := time.Now().UTC()
	var appliedAt any = now
	if p.timeAsString {
		appliedAt = now.Format(time.RFC3339)
	}
	res, err := tx.Exec(p.insertGuard, version, appliedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
