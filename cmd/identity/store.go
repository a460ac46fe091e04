package identity

import (
	"context"
	"time"
)

// User is Gambit's canonical security principal.
type User struct {
	ID           int64
	Email        string
	Username     string
	PasswordHash string

	// EmailVerified flips exactly once (idempotently) on confirmation.
	EmailVerified bool

	CreatedAt time.Time
}

// DeviceType is a coarse user-agent classification.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceBot     DeviceType = "bot"
	DeviceUnknown DeviceType = "unknown"
)

// Device is a browser/client install. Its id is server-issued and is never,
// by itself, proof of ownership; ownership is only established by a refresh
// token binding (userId, deviceId) together.
type Device struct {
	ID         int64
	UserID     int64
	UserAgent  string
	DeviceType DeviceType

	CreatedAt  time.Time
	LastSeenAt time.Time
}

// CreateUserInput describes a registration request. The password is hashed
// by the store; callers never pass a pre-hashed value.
type CreateUserInput struct {
	Email    string
	Username string
	Password string
	Now      time.Time
}

// CreateDeviceInput creates a device row on first contact from a client.
type CreateDeviceInput struct {
	UserID     int64
	UserAgent  string
	DeviceType DeviceType
	Now        time.Time
}

// UserStore is the user half of the credential store adapter.
type UserStore interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	// GetUserByEmail returns the user with its password hash for credential
	// verification. Lookup uses the normalized email.
	GetUserByEmail(ctx context.Context, email string) (User, error)

	GetUserByID(ctx context.Context, userID int64) (User, error)

	// MarkEmailVerified flips email_verified to true. Idempotent: verifying an
	// already-verified user is not an error.
	MarkEmailVerified(ctx context.Context, userID int64, now time.Time) error
}

// DeviceStore is the device half of the credential store adapter.
type DeviceStore interface {
	CreateDevice(ctx context.Context, in CreateDeviceInput) (Device, error)

	GetDeviceByID(ctx context.Context, deviceID int64) (Device, error)

	// TouchDevice updates last_seen_at. Callers treat failures as soft
	// (fire-and-forget); the store still reports them for logging.
	TouchDevice(ctx context.Context, deviceID int64, now time.Time) error
}

// Store is the full credential store adapter boundary.
type Store interface {
	UserStore
	DeviceStore
}
