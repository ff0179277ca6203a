package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Schema version tracking:
// 1 - Initial registry schema
const currentSchemaVersion = 1

// dialect captures everything that differs between the two backends.
type dialect struct {
	name        string
	driverName  string
	dollarBinds bool
	txOptions   *sql.TxOptions
	configure   func(db *sql.DB) error
	applySchema func(ctx context.Context, db *sql.DB) error
	aborted     func(err error) bool
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case "", DriverSQLite:
		return sqliteDialect, nil
	case DriverPostgres:
		return postgresDialect, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q: must be %q or %q", driver, DriverSQLite, DriverPostgres)
	}
}

var sqliteDialect = &dialect{
	name:       DriverSQLite,
	driverName: "sqlite3",
	configure:  configureSQLite,
	applySchema: func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, schemaSQLite); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	},
	aborted: func(err error) bool {
		var se sqlite3.Error
		if errors.As(err, &se) {
			return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
		}
		return false
	},
}

var postgresDialect = &dialect{
	name:        DriverPostgres,
	driverName:  "pgx",
	dollarBinds: true,
	// Serializable isolation makes each Admit behave as if it ran alone,
	// which is what lets more than one writer share a stream.
	txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	configure: func(db *sql.DB) error {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		return nil
	},
	applySchema: func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, schemaPostgres); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
			strconv.Itoa(currentSchemaVersion))
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	},
	aborted: func(err error) bool {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// serialization_failure, deadlock_detected
			return pgErr.Code == "40001" || pgErr.Code == "40P01"
		}
		return false
	},
}

// configureSQLite limits the pool and sets required pragmas.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func configureSQLite(db *sql.DB) error {
	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
// Queries in this package never contain a literal '?'.
func (d *dialect) rebind(query string) string {
	if !d.dollarBinds || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
