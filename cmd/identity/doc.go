// Package identity implements Gambit's identity foundation.
//
// It owns the user and device rows (the credential store adapter), password
// hashing, and normalization rules. Session state lives in
// cmd/internal/auth/session; that package reaches user/device rows only
// through the interfaces defined here, never through raw SQL of its own.
//
// This package is intentionally dependency-light and security-first.
package identity
