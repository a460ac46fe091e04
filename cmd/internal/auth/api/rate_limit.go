package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// loginLimiter throttles login failures per client IP over a sliding window.
// State is in-process; a multi-instance deployment throttles per instance,
// which is acceptable for slowing credential stuffing.
type loginLimiter struct {
	max    int
	window time.Duration

	mu    sync.Mutex
	fails map[string][]time.Time
}

func newLoginLimiter(max int, window time.Duration) *loginLimiter {
	return &loginLimiter{max: max, window: window, fails: map[string][]time.Time{}}
}

// blocked reports whether the IP has exhausted its failure budget.
func (l *loginLimiter) blocked(ip string, now time.Time) bool {
	if l == nil || l.max <= 0 || ip == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(ip, now)) >= l.max
}

// fail records a failed attempt.
func (l *loginLimiter) fail(ip string, now time.Time) {
	if l == nil || ip == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails[ip] = append(l.prune(ip, now), now)
}

func (l *loginLimiter) prune(ip string, now time.Time) []time.Time {
	cut := now.Add(-l.window)
	kept := l.fails[ip][:0]
	for _, t := range l.fails[ip] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.fails, ip)
		return nil
	}
	l.fails[ip] = kept
	return kept
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
