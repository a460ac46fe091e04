package realtime

import (
	"log/slog"
	"sync"
	"time"
)

const matchMaxMoves = 10_000

// Move is one accepted move in a match's log.
type Move struct {
	MatchID      string
	ClientMoveID string
	ServerMoveID string
	Seq          int64
	UserID       int64
	Move         string
	ServerTS     time.Time
}

// AppendResult reports the stored move and whether the submission was a
// duplicate of an earlier one.
type AppendResult struct {
	Stored     Move
	Duplicated bool
}

// Match is an in-memory room: membership, broadcast fanout, and the move log
// with monotonic sequence allocation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Match struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client

	moveMu sync.Mutex
	seq    int64
	dedupe map[moveKey]Move
	moves  []Move
}

// A resubmitted move id from a different user must not collapse into another
// player's move, so deduplication is keyed per user.
type moveKey struct {
	userID       int64
	clientMoveID string
}

// NewMatch constructs an empty match room.
func NewMatch(log *slog.Logger, id string) *Match {
	return &Match{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
		dedupe:  make(map[moveKey]Move),
	}
}

// Join adds a client to membership and returns the member count.
func (m *Match) Join(client *Client) int {
	if m == nil || client == nil || client.SessionID == "" {
		return 0
	}

	m.mu.Lock()
	m.members[client.SessionID] = client
	n := len(m.members)
	m.mu.Unlock()

	m.log.Info("match.member.join", "match_id", m.ID, "session_id", client.SessionID, "user_id", client.UserID)
	return n
}

// Leave removes a client from membership and signals shutdown for it.
func (m *Match) Leave(sessionID string) {
	if m == nil || sessionID == "" {
		return
	}

	m.mu.Lock()
	cl := m.members[sessionID]
	delete(m.members, sessionID)
	m.mu.Unlock()

	// Close after removal so no broadcaster holds a pointer to a client
	// mid-teardown.
	if cl != nil {
		cl.Close()
	}

	m.log.Info("match.member.leave", "match_id", m.ID, "session_id", sessionID)
}

// Members returns the current member count.
func (m *Match) Members() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Broadcast fanouts an envelope to all members. Non-blocking: members with a
// full queue or mid-shutdown are skipped.
func (m *Match) Broadcast(env Envelope) {
	if m == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cl := range m.members {
		if cl == nil {
			continue
		}

		select {
		case <-cl.Done():
			continue
		default:
		}

		select {
		case cl.Send <- env:
		default:
		}
	}
}

// Append records a move with idempotency and monotonic seq allocation.
func (m *Match) Append(userID int64, clientMoveID, move string, now time.Time) AppendResult {
	m.moveMu.Lock()
	defer m.moveMu.Unlock()

	key := moveKey{userID: userID, clientMoveID: clientMoveID}
	if existing, ok := m.dedupe[key]; ok {
		return AppendResult{Stored: existing, Duplicated: true}
	}

	m.seq++
	stored := Move{
		MatchID:      m.ID,
		ClientMoveID: clientMoveID,
		ServerMoveID: NewRandomHex(16),
		Seq:          m.seq,
		UserID:       userID,
		Move:         move,
		ServerTS:     now,
	}
	m.dedupe[key] = stored
	m.moves = append(m.moves, stored)

	if len(m.moves) > matchMaxMoves {
		m.moves = m.moves[len(m.moves)-matchMaxMoves:]
	}

	return AppendResult{Stored: stored, Duplicated: false}
}

// History returns up to limit moves with seq greater than afterSeq, ordered
// ascending, and whether more remain.
func (m *Match) History(afterSeq *int64, limit int) ([]Move, bool) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	m.moveMu.Lock()
	snap := append([]Move(nil), m.moves...)
	m.moveMu.Unlock()

	start := 0
	if afterSeq != nil {
		for start < len(snap) && snap[start].Seq <= *afterSeq {
			start++
		}
	}
	if start >= len(snap) {
		return nil, false
	}

	end := start + limit
	hasMore := end < len(snap)
	if end > len(snap) {
		end = len(snap)
	}
	return snap[start:end], hasMore
}
