package realtime

import (
	"sync"
	"time"
)

// eventWindow admits at most limit events per rolling window. One timestamp
// slot per admissible event; a denied burst allocates nothing.
type eventWindow struct {
	mu     sync.Mutex
	ring   []time.Time
	filled int
	next   int
	window time.Duration
}

func newEventWindow(limit int, window time.Duration) *eventWindow {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &eventWindow{ring: make([]time.Time, limit), window: window}
}

// allow admits the event at now unless the ring already holds limit events
// younger than the window. Denied events are not recorded.
func (w *eventWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == len(w.ring) {
		if oldest := w.ring[w.next]; now.Sub(oldest) < w.window {
			return false
		}
	}
	w.ring[w.next] = now
	w.next = (w.next + 1) % len(w.ring)
	if w.filled < len(w.ring) {
		w.filled++
	}
	return true
}
