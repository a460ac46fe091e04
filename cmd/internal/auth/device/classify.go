package device

import (
	"strings"

	"gambit/cmd/identity"
)

// Classify buckets a User-Agent string into a coarse device type.
//
// Rules are ordered; the first match wins:
//
//  1. bot:     "bot", "crawler", "spider" or "crawling" anywhere.
//  2. mobile:  "mobile" present and "tablet" absent.
//  3. tablet:  "tablet", "ipad", or Android without "mobile".
//  4. desktop: "windows", "macintosh", "linux" or "x11".
//  5. unknown: everything else, including an empty string.
func Classify(userAgent string) identity.DeviceType {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return identity.DeviceUnknown
	}

	if containsAny(ua, "bot", "crawler", "spider", "crawling") {
		return identity.DeviceBot
	}
	if strings.Contains(ua, "mobile") && !strings.Contains(ua, "tablet") {
		return identity.DeviceMobile
	}
	if containsAny(ua, "tablet", "ipad") ||
		(strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")) {
		return identity.DeviceTablet
	}
	if containsAny(ua, "windows", "macintosh", "linux", "x11") {
		return identity.DeviceDesktop
	}
	return identity.DeviceUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
