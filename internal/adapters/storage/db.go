package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// SQLitePragmas is appended to file DSNs: WAL, busy timeout and foreign keys.
const SQLitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"

func migrations(d Dialect) (fs.FS, database.Dialect, error) {
	sub, err := fs.Sub(migrationFS, "migrations/"+string(d))
	if err != nil {
		return nil, "", fmt.Errorf("migrations for %s: %w", d, err)
	}
	if d == DialectPostgres {
		return sub, database.DialectPostgres, nil
	}
	return sub, database.DialectSQLite3, nil
}

func newProvider(db *sql.DB, d Dialect) (*goose.Provider, error) {
	fsys, gd, err := migrations(d)
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return p, nil
}

// MigrateDB applies every pending migration for the dialect.
// PRE: db is a valid database connection
// POST: schema is at LatestSchemaVersion; running it again is a no-op
func MigrateDB(ctx context.Context, db *sql.DB, d Dialect) error {
	p, err := newProvider(db, d)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB, d Dialect) (int64, error) {
	p, err := newProvider(db, d)
	if err != nil {
		return 0, err
	}
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// LatestSchemaVersion is the number of embedded migrations for the dialect.
// Migration files are numbered consecutively from 00001.
func LatestSchemaVersion(d Dialect) int64 {
	entries, err := fs.ReadDir(migrationFS, "migrations/"+string(d))
	if err != nil {
		return 0
	}
	var n int64
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			n++
		}
	}
	return n
}
