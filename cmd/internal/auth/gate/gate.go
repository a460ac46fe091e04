// Package gate is the request-level auth gate wrapped around the whole HTTP
// surface. It classifies every path as open, public-only, or protected, and
// decides per request whether to pass, redirect, or flag a soon-to-expire
// access token so clients refresh before it dies.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gambit/cmd/internal/auth/session"
	"gambit/cmd/internal/auth/token"
)

// StaleHeader is set when the request authenticated but the access token
// expires within StaleThreshold. Clients treat it as "refresh soon".
const StaleHeader = "x-token-status"

// StaleValue is the only value StaleHeader ever carries.
const StaleValue = "stale"

// DefaultStaleThreshold is how close to expiry a token may get before
// responses are flagged stale.
const DefaultStaleThreshold = 30 * time.Second

// RefreshRedirectPath is the browser-navigable refresh endpoint the gate
// bounces unauthenticated GETs through.
const RefreshRedirectPath = "/sessions/current/refresh/redirect"

// Verifier is the slice of the token codec the gate needs.
type Verifier interface {
	VerifyAccess(token string, now time.Time) (token.AccessClaims, error)
}

// Config declares the route classes and redirect targets.
type Config struct {
	// Open paths skip every auth check. Prefixes ending in "/" match a
	// subtree; anything else matches exactly.
	Open []string

	// PublicOnly paths (login and registration forms) must not be reachable
	// while authenticated.
	PublicOnly []string

	// Home receives authenticated users leaving public-only pages.
	Home string

	// Landing receives unauthenticated non-GET requests and failed refresh
	// dances. Must itself be open or public-only.
	Landing string

	// StaleThreshold defaults to DefaultStaleThreshold when zero.
	StaleThreshold time.Duration

	// Now defaults to time.Now; tests override it.
	Now func() time.Time
}

// Gate wraps an http.Handler with the auth decision table.
type Gate struct {
	cfg    Config
	verify Verifier
	log    *slog.Logger
}

// New builds a Gate. The logger may be nil.
func New(cfg Config, verify Verifier, log *slog.Logger) *Gate {
	if cfg.Home == "" {
		cfg.Home = "/"
	}
	if cfg.Landing == "" {
		cfg.Landing = "/"
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{cfg: cfg, verify: verify, log: log}
}

type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated user id stored by the gate, or 0.
func UserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// Wrap applies the decision table in front of next.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := g.cfg.Now().UTC()
		path := r.URL.Path

		if g.isOpen(path) {
			next.ServeHTTP(w, r)
			return
		}

		claims, authed := g.authenticate(r, now)

		if g.isPublicOnly(path) {
			if authed {
				http.Redirect(w, r, g.cfg.Home, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		// Protected from here on.
		if !authed {
			// The refresh endpoints must stay reachable: the narrow-path
			// refresh cookie is only ever sent there.
			if isRefreshPath(path) {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method == http.MethodGet {
				target := RefreshRedirectPath + "?next=" + url.QueryEscape(SanitizeNext(r.URL.RequestURI()))
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}
			// A non-GET body cannot be replayed through a redirect.
			http.Redirect(w, r, g.cfg.Landing, http.StatusSeeOther)
			return
		}

		if exp := claims.ExpiresAt; exp != nil && exp.Time.Sub(now) <= g.cfg.StaleThreshold {
			w.Header().Set(StaleHeader, StaleValue)
		}

		r = r.WithContext(context.WithValue(r.Context(), userIDKey, claims.UserID))
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) authenticate(r *http.Request, now time.Time) (token.AccessClaims, bool) {
	raw, ok := session.ReadAccess(r)
	if !ok {
		return token.AccessClaims{}, false
	}
	claims, err := g.verify.VerifyAccess(raw, now)
	if err != nil {
		return token.AccessClaims{}, false
	}
	return claims, true
}

func (g *Gate) isOpen(path string) bool       { return matchAny(g.cfg.Open, path) }
func (g *Gate) isPublicOnly(path string) bool { return matchAny(g.cfg.PublicOnly, path) }

func isRefreshPath(path string) bool {
	return path == session.RefreshCookiePath || path == RefreshRedirectPath
}

// matchAny matches exact entries, and subtree entries ending in "/" on a
// path-segment boundary ("/static/" matches "/static/app.js" and "/static",
// but never "/staticfile").
func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) || path == strings.TrimSuffix(p, "/") {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// SanitizeNext validates a post-refresh redirect target. Anything that is not
// a same-origin absolute path, or that points back into the refresh endpoints
// (a redirect loop), collapses to "/".
func SanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") {
		return "/"
	}
	// Protocol-relative URLs ("//evil.example") navigate off-origin.
	if strings.HasPrefix(next, "//") {
		return "/"
	}
	if strings.Contains(next, "\\") {
		return "/"
	}
	pathOnly := next
	if i := strings.IndexAny(pathOnly, "?#"); i >= 0 {
		pathOnly = pathOnly[:i]
	}
	if isRefreshPath(pathOnly) {
		return "/"
	}
	return next
}
