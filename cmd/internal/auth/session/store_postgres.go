package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Schema (managed externally):
//
//	CREATE TABLE gambit.refresh_tokens (
//	    token      text PRIMARY KEY,
//	    user_id    bigint NOT NULL,
//	    device_id  bigint NOT NULL,
//	    ip         text NOT NULL DEFAULT '',
//	    country    text NOT NULL DEFAULT '',
//	    region     text NOT NULL DEFAULT '',
//	    created_at timestamptz NOT NULL,
//	    expires_at timestamptz NOT NULL
//	);
//	CREATE INDEX refresh_tokens_user_device_idx
//	    ON gambit.refresh_tokens (user_id, device_id);
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "gambit").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store. The pool is owned
// by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "gambit"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return `"` + s.schema + `"."refresh_tokens"`
}

// Replace deletes any rows for the pair and inserts the new one in a single
// transaction, keeping the one-live-token-per-pair invariant race-free.
func (s *PostgresStore) Replace(ctx context.Context, row RefreshToken) error {
	tbl := s.table()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+tbl+` WHERE user_id = $1 AND device_id = $2`,
		row.UserID, row.DeviceID,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+tbl+` (token, user_id, device_id, ip, country, region, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, row.Token, row.UserID, row.DeviceID, row.IP, row.Country, row.Region, row.CreatedAt, row.ExpiresAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetByToken loads a row by its exact token string.
func (s *PostgresStore) GetByToken(ctx context.Context, token string) (RefreshToken, error) {
	return s.getOne(ctx, `WHERE token = $1`, token)
}

// GetByUserDevice loads the row for a (user, device) pair.
func (s *PostgresStore) GetByUserDevice(ctx context.Context, userID, deviceID int64) (RefreshToken, error) {
	return s.getOne(ctx, `WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
}

func (s *PostgresStore) getOne(ctx context.Context, where string, args ...any) (RefreshToken, error) {
	var row RefreshToken
	err := s.pool.QueryRow(ctx, `
		SELECT token, user_id, device_id, ip, country, region, created_at, expires_at
		FROM `+s.table()+` `+where,
		args...,
	).Scan(&row.Token, &row.UserID, &row.DeviceID, &row.IP, &row.Country, &row.Region, &row.CreatedAt, &row.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrTokenNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return row, nil
}

// ListByUser returns every session row for a user, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID int64) ([]RefreshToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, user_id, device_id, ip, country, region, created_at, expires_at
		FROM `+s.table()+`
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		var row RefreshToken
		if err := rows.Scan(&row.Token, &row.UserID, &row.DeviceID, &row.IP, &row.Country, &row.Region, &row.CreatedAt, &row.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteByToken removes the row with the exact token string.
func (s *PostgresStore) DeleteByToken(ctx context.Context, token string) (int64, error) {
	return s.del(ctx, `WHERE token = $1`, token)
}

// DeleteByUserDevice removes the row for a (user, device) pair.
func (s *PostgresStore) DeleteByUserDevice(ctx context.Context, userID, deviceID int64) (int64, error) {
	return s.del(ctx, `WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
}

// DeleteByUser removes every session row for a user.
func (s *PostgresStore) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	return s.del(ctx, `WHERE user_id = $1`, userID)
}

// DeleteByDevice removes every session row for a device.
func (s *PostgresStore) DeleteByDevice(ctx context.Context, deviceID int64) (int64, error) {
	return s.del(ctx, `WHERE device_id = $1`, deviceID)
}

func (s *PostgresStore) del(ctx context.Context, where string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` `+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
