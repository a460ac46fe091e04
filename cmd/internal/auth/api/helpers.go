package authapi

import (
	"net"
	"net/http"
	"strings"

	"gambit/cmd/internal/auth/session"
)

// Geo headers set by the edge/CDN in front of the server. Best effort; blank
// when no edge is present.
const (
	headerGeoCountry = "x-geo-country"
	headerGeoRegion  = "x-geo-region"
)

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func parseForwardedIP(raw string) string {
	if raw == "" {
		return ""
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// requestMetadata collects the origin metadata stored with a session row.
func requestMetadata(r *http.Request, trustProxy bool) session.Metadata {
	return session.Metadata{
		IP:      clientIP(r, trustProxy),
		Country: strings.TrimSpace(r.Header.Get(headerGeoCountry)),
		Region:  strings.TrimSpace(r.Header.Get(headerGeoRegion)),
	}
}
