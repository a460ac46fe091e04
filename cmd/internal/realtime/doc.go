// Package realtime is the authenticated WebSocket gateway for live matches.
//
// A connection is anonymous until its first envelope, which must be an auth
// frame carrying a valid access token. After that the session is bound to a
// user id and may join one match at a time, relay moves, and page through
// the match's move history.
package realtime
