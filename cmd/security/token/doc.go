// Package token is the single source of truth for Gambit's token signing secrets.
//
// Gambit signs three token kinds (access, refresh, email confirmation), each
// with an independent HMAC secret and an independent expiry policy. This
// package loads and validates those secrets from the environment so that the
// codec, the startup security check, and tests all agree on the same policy.
//
// Environment:
// - GAMBIT_JWT_ACCESS_SECRET
// - GAMBIT_JWT_REFRESH_SECRET
// - GAMBIT_JWT_EMAIL_SECRET
//
// Policy:
//   - Secrets are raw bytes; minimum length is enforced in bytes, not runes.
//   - A missing or short secret is a startup failure, never a silent fallback.
package token
