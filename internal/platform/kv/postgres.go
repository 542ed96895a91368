package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresStore keeps entries in the kv_entries table (see the db
// migrations). Expiry is evaluated against the database clock so that every
// server process agrees on liveness.
type PostgresStore struct {
	db queryable
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

const liveClause = `(expires_at IS NULL OR expires_at > NOW())`

// $3 is the TTL in milliseconds; <= 0 stores no expiry.
const expiresExpr = `CASE WHEN $3::bigint > 0 THEN NOW() + ($3::bigint * INTERVAL '1 millisecond') END`

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND `+liveClause, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, `+expiresExpr+`)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		key, value, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent inserts the row, or takes over a row whose TTL has lapsed.
// A live row makes the upsert's WHERE false, so no row is affected.
func (s *PostgresStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, `+expiresExpr+`)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW()`,
		key, value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("kv put-if-absent %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM kv_entries WHERE key = $1 AND value = $2 AND `+liveClause, key, expected)
	if err != nil {
		return false, fmt.Errorf("kv compare-and-delete %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Incr keeps the counter as decimal text. An expired row restarts at 1
// with the new TTL.
func (s *PostgresStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, '1'::bytea, CASE WHEN $2::bigint > 0 THEN NOW() + ($2::bigint * INTERVAL '1 millisecond') END)
		ON CONFLICT (key) DO UPDATE
		SET value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW() THEN '1'::bytea
				ELSE convert_to((convert_from(kv_entries.value, 'UTF8')::bigint + 1)::text, 'UTF8')
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW() THEN EXCLUDED.expires_at
				ELSE kv_entries.expires_at
			END,
			updated_at = NOW()
		RETURNING convert_from(value, 'UTF8')::bigint`,
		key, ttl.Milliseconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key FROM kv_entries WHERE key LIKE $1 ESCAPE '\' AND `+liveClause+` ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("kv list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv list scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv list iterate: %w", err)
	}
	return keys, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
