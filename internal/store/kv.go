// internal/store/kv.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colebrumley/reactor/internal/payload"
)

// SetValue stores a datastore entry.
func (s *Store) SetValue(ctx context.Context, key string, v payload.Value) error {
	enc, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, enc, Micros(time.Now()))
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// GetValue returns a datastore entry.
func (s *Store) GetValue(ctx context.Context, key string) (payload.Value, error) {
	var raw sql.NullString
	err := s.queryRow(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return payload.Null(), ErrNotFound
	}
	if err != nil {
		return payload.Null(), fmt.Errorf("getting %s: %w", key, err)
	}
	return decodeValue(raw)
}

// DeleteValue removes a datastore entry.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	res, err := s.exec(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Values returns every datastore entry whose key starts with prefix as a
// mapping from key to value.
func (s *Store) Values(ctx context.Context, prefix string) (payload.Value, error) {
	rows, err := s.query(ctx, "SELECT key, value FROM kv ORDER BY key")
	if err != nil {
		return payload.Null(), fmt.Errorf("listing datastore: %w", err)
	}
	defer rows.Close()

	fields := map[string]payload.Value{}
	for rows.Next() {
		var (
			key string
			raw sql.NullString
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return payload.Null(), err
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return payload.Null(), fmt.Errorf("decoding %s: %w", key, err)
		}
		fields[key] = v
	}
	return payload.Mapping(fields), rows.Err()
}
