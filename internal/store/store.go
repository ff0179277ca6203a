package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/provledger/internal/prov"
)

// Options selects and tunes the backing database.
type Options struct {
	Driver      string // DriverSQLite or DriverPostgres
	DSN         string // file path for SQLite, connection URL for PostgreSQL
	PingTimeout time.Duration
}

// Store provides durable storage for the provenance registry.
type Store struct {
	db      *sql.DB
	dialect *dialect
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	return OpenWithOptions(context.Background(), Options{Driver: DriverSQLite, DSN: path})
}

// OpenWithOptions opens the database described by opts, verifies the
// connection and applies the schema.
func OpenWithOptions(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	db, err := sql.Open(d.driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := d.configure(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := d.applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, dialect: d}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver reports which backend the store is using.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Tx is a registry transaction. All multi-statement writes happen on a Tx
// so that either every row of one logical operation is visible or none is.
type Tx struct {
	conn
}

// WithTx runs fn inside one transaction. The transaction commits if fn
// returns nil and rolls back otherwise. Errors that indicate an aborted
// transaction are converted to prov.ErrTransactionAborted.
//
// fn must not call Store methods: SQLite runs with a single connection, so a
// nested non-transactional query would wait on the transaction forever.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.txOptions)
	if err != nil {
		return s.classify(fmt.Errorf("begin tx: %w", err))
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{conn: conn{q: sqlTx, d: s.dialect}}); err != nil {
		return s.classify(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify turns driver-level abort conditions into the retryable registry
// error. Registry errors pass through untouched.
func (s *Store) classify(err error) error {
	var pe *prov.Error
	if errors.As(err, &pe) {
		return err
	}
	if s.dialect.aborted(err) {
		return prov.NewTransactionAborted(err)
	}
	return err
}

func (s *Store) conn() conn {
	return conn{q: s.db, d: s.dialect}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rebinds placeholders for the dialect before every statement.
type conn struct {
	q querier
	d *dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// toNanos and fromNanos convert between simulated instants and stored values.
func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
