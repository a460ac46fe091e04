package session

import (
	"context"
	"time"
)

// RefreshToken mirrors the gambit.refresh_tokens row. The raw signed token
// string is the primary key; server-side state is what makes revocation
// possible before the signature expires.
type RefreshToken struct {
	Token    string
	UserID   int64
	DeviceID int64

	// Request metadata captured at issue time, for session listings and audit.
	IP      string
	Country string
	Region  string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Metadata is the request context recorded with a freshly issued session.
type Metadata struct {
	IP      string
	Country string
	Region  string
}

// Store abstracts persistence for refresh sessions.
//
// Replace must be atomic: no interleaving may observe two live rows for the
// same (user, device) pair, and no interleaving may observe zero rows between
// the delete and the insert.
type Store interface {
	// Replace deletes every row for (row.UserID, row.DeviceID) and inserts row.
	Replace(ctx context.Context, row RefreshToken) error

	// GetByToken loads a row by its exact token string.
	// Returns ErrTokenNotFound when absent.
	GetByToken(ctx context.Context, token string) (RefreshToken, error)

	// GetByUserDevice loads the (at most one) row for a (user, device) pair.
	// Returns ErrTokenNotFound when absent.
	GetByUserDevice(ctx context.Context, userID, deviceID int64) (RefreshToken, error)

	// ListByUser returns every live session row for a user, newest first.
	ListByUser(ctx context.Context, userID int64) ([]RefreshToken, error)

	// Deletions are idempotent and report how many rows went away.
	DeleteByToken(ctx context.Context, token string) (int64, error)
	DeleteByUserDevice(ctx context.Context, userID, deviceID int64) (int64, error)
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
	DeleteByDevice(ctx context.Context, deviceID int64) (int64, error)
}
