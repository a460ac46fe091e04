package session

import (
	"net/http"
	"time"
)

// Cookie names and the narrow path the refresh cookie is pinned to. Scoping
// the refresh cookie to the refresh endpoint keeps the long-lived credential
// off every other request the browser makes.
const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
	RefreshCookiePath = "/sessions/current/refresh"
)

// CookieWriter places and clears the auth cookie pair.
//
// Both cookies are HttpOnly and SameSite=Strict. Secure is switched off only
// for local plain-HTTP development.
type CookieWriter struct {
	Secure bool
}

// SetPair writes both cookies from an issue result.
func (w CookieWriter) SetPair(rw http.ResponseWriter, iss Issued, now time.Time) {
	w.SetAccess(rw, iss.AccessToken, iss.AccessExp, now)
	w.SetRefresh(rw, iss.RefreshToken, iss.RefreshExp, now)
}

// SetAccess writes the access cookie at the site root.
func (w CookieWriter) SetAccess(rw http.ResponseWriter, token string, exp, now time.Time) {
	http.SetCookie(rw, &http.Cookie{
		Name:     AccessCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   cookieMaxAge(exp, now),
		HttpOnly: true,
		Secure:   w.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// SetRefresh writes the refresh cookie, visible only to the refresh endpoint.
func (w CookieWriter) SetRefresh(rw http.ResponseWriter, token string, exp, now time.Time) {
	http.SetCookie(rw, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     RefreshCookiePath,
		MaxAge:   cookieMaxAge(exp, now),
		HttpOnly: true,
		Secure:   w.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear expires both cookies. The refresh cookie is cleared at its narrow
// path and at the root, covering clients that ever held a mis-scoped copy.
func (w CookieWriter) Clear(rw http.ResponseWriter) {
	for _, c := range []http.Cookie{
		{Name: AccessCookieName, Path: "/"},
		{Name: RefreshCookieName, Path: RefreshCookiePath},
		{Name: RefreshCookieName, Path: "/"},
	} {
		c.Value = ""
		c.MaxAge = -1
		c.HttpOnly = true
		c.Secure = w.Secure
		c.SameSite = http.SameSiteStrictMode
		http.SetCookie(rw, &c)
	}
}

// ReadAccess returns the access cookie value, if any.
func ReadAccess(r *http.Request) (string, bool) {
	return readCookie(r, AccessCookieName)
}

// ReadRefresh returns the refresh cookie value, if any.
func ReadRefresh(r *http.Request) (string, bool) {
	return readCookie(r, RefreshCookieName)
}

func readCookie(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func cookieMaxAge(exp, now time.Time) int {
	d := exp.Sub(now)
	if d <= 0 {
		return -1
	}
	return int(d / time.Second)
}
