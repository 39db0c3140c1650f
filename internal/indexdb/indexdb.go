// Package indexdb persists the geohash index in SQLite so that line lookups
// survive restarts and can be queried without loading the grid.
package indexdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/bathygrid/internal/geohash"
	"github.com/banshee-data/bathygrid/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the index database. It implements geohash.Store.
type DB struct {
	*sql.DB
	log *zap.Logger
}

var _ geohash.Store = (*DB)(nil)

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	db := &DB{DB: sqlDB, log: monitoring.Named("indexdb")}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp runs all pending migrations. It is a no-op at the latest
// version.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag, 0 before any
// migration ran.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{log: db.log}
	return m, nil
}

type migrateLogger struct{ log *zap.Logger }

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Sugar().Debugf("[migrate] "+format, v...)
}

func (l migrateLogger) Verbose() bool { return false }

// SaveCodes records codes for (container, line). Codes already stored are
// ignored.
func (db *DB) SaveCodes(container, line string, codes []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO containers (container) VALUES (?)`, container); err != nil {
		return fmt.Errorf("insert container %s: %w", container, err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO geohash_codes (container, line, code) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range codes {
		if _, err := stmt.Exec(container, line, c); err != nil {
			return fmt.Errorf("insert code %s for %s/%s: %w", c, container, line, err)
		}
	}
	return tx.Commit()
}

// DeleteContainer removes every code of the container.
func (db *DB) DeleteContainer(container string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM geohash_codes WHERE container = ?`, container); err != nil {
		return fmt.Errorf("delete codes of %s: %w", container, err)
	}
	if _, err := tx.Exec(`DELETE FROM containers WHERE container = ?`, container); err != nil {
		return fmt.Errorf("delete container %s: %w", container, err)
	}
	return tx.Commit()
}

// Containers returns the ids of every recorded container, sorted.
func (db *DB) Containers() ([]string, error) {
	rows, err := db.Query(`SELECT container FROM containers ORDER BY container`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Lines returns the recorded codes of every line, each sorted.
func (db *DB) Lines() (map[geohash.LineRef][]string, error) {
	rows, err := db.Query(`SELECT container, line, code FROM geohash_codes ORDER BY container, line, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[geohash.LineRef][]string)
	for rows.Next() {
		var ref geohash.LineRef
		var code string
		if err := rows.Scan(&ref.Container, &ref.Line, &code); err != nil {
			return nil, err
		}
		out[ref] = append(out[ref], code)
	}
	return out, rows.Err()
}

// LinesWithPrefix returns the lines holding a code that starts with prefix.
// An empty prefix matches every line.
func (db *DB) LinesWithPrefix(prefix string) ([]geohash.LineRef, error) {
	// A range scan rather than LIKE keeps the code index usable.
	rows, err := db.Query(`
		SELECT DISTINCT container, line FROM geohash_codes
		WHERE code >= ? AND code < ?
		ORDER BY container, line`, prefix, prefix+"\U0010FFFF")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []geohash.LineRef
	for rows.Next() {
		var ref geohash.LineRef
		if err := rows.Scan(&ref.Container, &ref.Line); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Restore records every stored line in ix.
func (db *DB) Restore(ix *geohash.Index) error {
	lines, err := db.Lines()
	if err != nil {
		return err
	}
	refs := make([]geohash.LineRef, 0, len(lines))
	for ref := range lines {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Container != refs[j].Container {
			return refs[i].Container < refs[j].Container
		}
		return refs[i].Line < refs[j].Line
	})
	for _, ref := range refs {
		if err := ix.RecordCodes(ref.Container, ref.Line, lines[ref]); err != nil {
			return err
		}
	}
	db.log.Debug("index restored", zap.Int("lines", len(refs)))
	return nil
}
