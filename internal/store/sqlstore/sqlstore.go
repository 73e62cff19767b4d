// Package sqlstore implements the store ports on database/sql for Postgres
// (through the pgx stdlib driver) and SQLite (through modernc.org/sqlite).
//
// All records share one table keyed by (table_name, id) with the fields
// serialized as JSON. Lock rows live in field_locks, whose primary key on
// (record_id, field_name) is what arbitrates concurrent acquires.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/store/sqlstore/migrations"
)

// Dialect selects SQL flavour differences.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a store driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "pgx", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return 0, fmt.Errorf("sqlstore: unsupported driver %q", driver)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Repository, store.LockTable, store.AuditLog and
// feed.Snapshotter.
type Store struct {
	db      *sql.DB
	dialect Dialect
	pub     feed.Publisher
	now     func() time.Time
	logger  *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher makes the store publish committed changes, for backends
// with no native notification (SQLite with the journal feed).
func WithPublisher(p feed.Publisher) Option { return func(s *Store) { s.pub = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(s *Store) { s.logger = l } }

// New wraps an open database.
func New(db *sql.DB, d Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: d, now: time.Now, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with the driver for d and pings the database.
func Open(ctx context.Context, d Dialect, dsn string, maxOpen int, opts ...Option) (*Store, error) {
	if d == SQLite && dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", d, err)
	}
	switch {
	case d == SQLite && strings.Contains(dsn, ":memory:"):
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	case maxOpen > 0:
		db.SetMaxOpenConns(maxOpen)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", d, err)
	}
	return New(db, d, opts...), nil
}

// SetPublisher replaces the publisher. Call it before the store is shared.
func (s *Store) SetPublisher(p feed.Publisher) { s.pub = p }

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Migrate applies the embedded migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(s.dialect.gooseDialect()); err != nil {
		return fmt.Errorf("sqlstore: goose dialect: %w", err)
	}
	if err := gooseUp(ctx, s.db, s.dialect.String()); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx DBTX) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func (s *Store) exec(ctx context.Context, db DBTX, q string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, db DBTX, q string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, db DBTX, q string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

func (s *Store) publish(c feed.Change) {
	if s.pub != nil {
		s.pub.Publish(c)
	}
}
