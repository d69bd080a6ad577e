// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/colebrumley/reactor/internal/payload"
)

var (
	// ErrNotFound is returned when a lookup by id or ref has no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("conditional update conflict")
)

const schemaVersion = 1

// Options selects and configures the backing database.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// MaxOpenConns caps the pool. SQLite always uses one connection.
	MaxOpenConns int
}

// Store persists every durable collection: trigger types, triggers,
// trigger instances, rules, rule enforcements, actions, executions,
// policies, the datastore and the scheduling queue.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens or creates a SQLite store at the given path.
func Open(path string) (*Store, error) {
	return Connect(context.Background(), Options{Driver: DriverSQLite, Path: path})
}

// Connect opens the database described by opts and applies the schema.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	var (
		db  *sql.DB
		d   Dialect
		err error
	)

	switch opts.Driver {
	case "", DriverSQLite:
		d = sqliteDialect{}
		db, err = openSQLite(opts.Path)
	case DriverPostgres:
		d = postgresDialect{}
		db, err = openPostgres(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection per Store avoids
	// SQLITE_BUSY inside a process. Separate Stores on the same file
	// contend through busy_timeout like separate processes would.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

func openPostgres(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool to packages that own their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the backing database.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}

	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.exec(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			schemaVersion, Micros(time.Now())); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' && i > 0 {
			return s[:i]
		}
	}
	return s
}

// Micros encodes a timestamp as Unix microseconds. The zero time is 0.
func Micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// FromMicros decodes Micros.
func FromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// encodeValue persists a payload with its keys escaped.
func encodeValue(v payload.Value) (string, error) {
	data, err := json.Marshal(payload.EscapeKeys(v))
	if err != nil {
		return "", fmt.Errorf("encoding value: %w", err)
	}
	return string(data), nil
}

func decodeValue(s sql.NullString) (payload.Value, error) {
	if !s.Valid || s.String == "" {
		return payload.Null(), nil
	}
	v, err := payload.Parse([]byte(s.String))
	if err != nil {
		return payload.Value{}, err
	}
	return payload.UnescapeKeys(v), nil
}

func encodeJSON(x any) (string, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return "", fmt.Errorf("encoding json: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}
