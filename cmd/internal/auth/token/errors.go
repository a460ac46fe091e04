package token

import "errors"

var (
	// ErrConfig reports invalid or missing codec configuration.
	ErrConfig = errors.New("token: invalid config")

	// ErrInvalidToken covers every verification failure: bad signature,
	// malformed payload, expiry, and missing required claims. Callers never
	// learn which check failed.
	ErrInvalidToken = errors.New("token: invalid token")
)
