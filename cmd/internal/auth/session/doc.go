// Package session manages device-bound refresh sessions.
//
// A session is a persisted refresh token row keyed by the raw signed token,
// bound to exactly one (user, device) pair. Issuing a new session for a pair
// atomically replaces any previous row, so at most one live refresh token
// exists per pair at any time.
//
// Refreshing never rotates: the refresh token stays put for its full
// lifetime and only a new access token is minted. Revocation deletes rows
// and is idempotent; the most precise available evidence wins (exact token,
// then user+device, then all of a user's sessions, then all of a device's).
package session
