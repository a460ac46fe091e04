package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory match rooms and hands out stable handles.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	matches map[string]*Match
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		matches: make(map[string]*Match),
	}
}

// GetOrCreateMatch returns a stable in-memory match handle.
func (h *Hub) GetOrCreateMatch(matchID string) *Match {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.matches[matchID]; ok {
		return m
	}

	m := NewMatch(h.log, matchID)
	h.matches[matchID] = m
	return m
}

// DropIfEmpty removes a match with no members. Called after a leave so
// finished matches do not accumulate.
func (h *Hub) DropIfEmpty(matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.matches[matchID]; ok && m.Members() == 0 {
		delete(h.matches, matchID)
	}
}
