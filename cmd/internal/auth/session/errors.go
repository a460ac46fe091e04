package session

import "errors"

var (
	// ErrInvalidRefreshToken is returned when a refresh token fails signature
	// or expiry verification outright.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrInvalidRefreshTokenDevice is returned when a refresh token verifies
	// but the server-side binding does not hold up: no stored row, an expired
	// row, or claims disagreeing with the row. Callers never learn which.
	ErrInvalidRefreshTokenDevice = errors.New("invalid refresh token device")

	// ErrTokenNotFound is returned by stores when no row matches.
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
