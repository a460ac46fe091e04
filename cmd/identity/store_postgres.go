package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the credential store adapter over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Errors are mapped to identity sentinel kinds where appropriate.
//
// Schema (managed externally, like the rest of the gambit schema):
//
//	CREATE TABLE gambit.users (
//	    id             bigserial PRIMARY KEY,
//	    email          text NOT NULL,
//	    email_norm     text NOT NULL UNIQUE,
//	    username       text NOT NULL,
//	    username_norm  text NOT NULL UNIQUE,
//	    password_hash  text NOT NULL,
//	    email_verified boolean NOT NULL DEFAULT false,
//	    created_at     timestamptz NOT NULL
//	);
//
//	CREATE TABLE gambit.devices (
//	    id           bigserial PRIMARY KEY,
//	    user_id      bigint NOT NULL REFERENCES gambit.users(id) ON DELETE CASCADE,
//	    user_agent   text NOT NULL DEFAULT '',
//	    device_type  text NOT NULL DEFAULT 'unknown',
//	    created_at   timestamptz NOT NULL,
//	    last_seen_at timestamptz NOT NULL
//	);
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "gambit").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "gambit",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser creates a new user with a freshly hashed password.
// Uniqueness of email and username is enforced by the normalized columns;
// races between concurrent registrations resolve via unique constraints.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := strings.TrimSpace(in.Email)
	username := strings.TrimSpace(in.Username)
	if !ValidEmail(email) {
		return User{}, pgInvalid(op, "invalid email")
	}
	if username == "" {
		return User{}, pgInvalid(op, "username is required")
	}
	if strings.TrimSpace(in.Password) == "" {
		return User{}, pgInvalid(op, "password is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	pwHash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+users+` (
		     email, email_norm, username, username_norm, password_hash, email_verified, created_at
		   ) VALUES ($1, $2, $3, $4, $5, false, $6)
		   RETURNING id`,
		email,
		NormalizeEmail(email),
		username,
		NormalizeUsername(username),
		pwHash,
		now,
	).Scan(&id)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	return User{
		ID:            id,
		Email:         email,
		Username:      username,
		PasswordHash:  pwHash,
		EmailVerified: false,
		CreatedAt:     now,
	}, nil
}

// GetUserByEmail loads a user (including password hash) by normalized email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.GetUserByEmail"

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, username, password_hash, email_verified, created_at
		   FROM `+users+`
		  WHERE email_norm = $1`,
		NormalizeEmail(email),
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUserByID loads a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	const op = "identity.GetUserByID"

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, username, password_hash, email_verified, created_at
		   FROM `+users+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// MarkEmailVerified flips email_verified to true (idempotent).
func (s *PostgresStore) MarkEmailVerified(ctx context.Context, userID int64, now time.Time) error {
	const op = "identity.MarkEmailVerified"

	users := pgIdent(s.schema, "users")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET email_verified = true WHERE id = $1`,
		userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// CreateDevice inserts a device row and returns it with its server-issued id.
func (s *PostgresStore) CreateDevice(ctx context.Context, in CreateDeviceInput) (Device, error) {
	const op = "identity.CreateDevice"

	if in.UserID <= 0 {
		return Device{}, pgInvalid(op, "missing user_id")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	devType := in.DeviceType
	if devType == "" {
		devType = DeviceUnknown
	}

	devices := pgIdent(s.schema, "devices")

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+devices+` (user_id, user_agent, device_type, created_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING id`,
		in.UserID,
		strings.TrimSpace(in.UserAgent),
		string(devType),
		now,
	).Scan(&id)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return Device{}, NotFoundError{Op: op, Resource: "user"}
		}
		return Device{}, err
	}

	return Device{
		ID:         id,
		UserID:     in.UserID,
		UserAgent:  strings.TrimSpace(in.UserAgent),
		DeviceType: devType,
		CreatedAt:  now,
		LastSeenAt: now,
	}, nil
}

// GetDeviceByID loads a device by id.
func (s *PostgresStore) GetDeviceByID(ctx context.Context, deviceID int64) (Device, error) {
	const op = "identity.GetDeviceByID"

	devices := pgIdent(s.schema, "devices")

	var d Device
	var devType string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, user_agent, device_type, created_at, last_seen_at
		   FROM `+devices+`
		  WHERE id = $1`,
		deviceID,
	).Scan(&d.ID, &d.UserID, &d.UserAgent, &devType, &d.CreatedAt, &d.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, NotFoundError{Op: op, Resource: "device"}
	}
	if err != nil {
		return Device{}, err
	}
	d.DeviceType = DeviceType(devType)
	return d, nil
}

// TouchDevice updates last_seen_at. Updating a missing device is reported as
// not-found so callers can decide to log it, but callers treat any failure
// here as soft.
func (s *PostgresStore) TouchDevice(ctx context.Context, deviceID int64, now time.Time) error {
	const op = "identity.TouchDevice"

	devices := pgIdent(s.schema, "devices")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+devices+` SET last_seen_at = $2 WHERE id = $1`,
		deviceID, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "device"}
	}
	return nil
}

// ---- helpers ----

func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func pgIdent(schema, name string) string {
	return `"` + schema + `"."` + name + `"`
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503"
}

// pgClassifyUniqueViolation maps a unique-violation to a stable logical field.
func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" {
		return "", false
	}
	cons := strings.ToLower(pgErr.ConstraintName)
	switch {
	case strings.Contains(cons, "email"):
		return "email", true
	case strings.Contains(cons, "username"):
		return "username", true
	default:
		return "unknown", true
	}
}
