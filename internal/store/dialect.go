// internal/store/dialect.go
package store

import (
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialect hides the few SQL differences between the supported databases.
// Queries are written with "?" placeholders and rebound per dialect.
type Dialect interface {
	Name() string
	Rebind(query string) string
	// JSONField extracts a top-level key of a JSON text column as a JSON
	// value. It is SQL NULL when the key is absent.
	JSONField(column, key string) string
	// JSONParam is the placeholder for a JSON encoded argument compared
	// against a JSONField.
	JSONParam() string
	// SkipLocked is appended to a sub-select that picks rows to claim.
	SkipLocked() string
	// AdvisoryLock returns a statement taking a transaction-scoped lock on
	// a string key, or "" when writers are already serialized.
	AdvisoryLock() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return DriverSQLite }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) SkipLocked() string         { return "" }
func (sqliteDialect) AdvisoryLock() string       { return "" }
func (sqliteDialect) JSONParam() string          { return "json(?)" }

func (sqliteDialect) JSONField(column, key string) string {
	return "(" + column + " -> '$.\"" + escapeKey(key) + "\"')"
}

type postgresDialect struct{}

func (postgresDialect) Name() string         { return DriverPostgres }
func (postgresDialect) SkipLocked() string   { return " FOR UPDATE SKIP LOCKED" }
func (postgresDialect) AdvisoryLock() string { return "SELECT pg_advisory_xact_lock(hashtext(?))" }
func (postgresDialect) JSONParam() string    { return "?::jsonb" }

func (postgresDialect) JSONField(column, key string) string {
	return "(" + column + "::jsonb -> '" + escapeKey(key) + "')"
}

// Rebind rewrites "?" placeholders to "$n".
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func escapeKey(key string) string {
	key = strings.ReplaceAll(key, "'", "''")
	return strings.ReplaceAll(key, `"`, `\"`)
}
