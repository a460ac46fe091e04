// Package token implements the signed-token codec for the auth core.
//
// Three token kinds exist, each signed with its own HMAC secret so a token
// of one kind can never verify as another:
//
//   - access:  short-lived, claims {userId}; carried as a cookie on every request.
//   - refresh: long-lived, claims {userId, deviceId}; cookie scoped to the
//     refresh endpoint path only.
//   - email:   medium-lived, claims {userId, deviceId}; embedded in the
//     confirmation link sent at registration.
//
// Verification is fail-closed: any parse error, signature mismatch, expired
// token, or missing required claim yields ErrInvalidToken with no partial
// claims exposed.
package token
