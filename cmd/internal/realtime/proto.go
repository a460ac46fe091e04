package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the wire version negotiated via subprotocol.
const ProtocolVersion = 1

// Subprotocol is the only accepted WebSocket subprotocol.
const Subprotocol = "gambit.realtime.v1"

// Envelope frame types.
const (
	TypeAuth    = "auth"
	TypeAuthAck = "auth.ack"

	TypeMatchJoin   = "match.join"
	TypeMatchJoined = "match.joined"
	TypeMatchLeave  = "match.leave"

	TypeMoveSend = "move.send"
	TypeMoveAck  = "move.ack"
	TypeMoveNew  = "move.new"

	TypeHistoryFetch = "match.history.fetch"
	TypeHistoryChunk = "match.history.chunk"

	TypeError = "error"
)

// Envelope is the framing for every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks envelope framing, not payload contents.
func (e Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("unsupported version: %d", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing type")
	}
	return nil
}

// AuthPayload carries the raw access token. The client obtains it from the
// token-peek endpoint; cookies do not reliably travel on WS handshakes across
// every client stack.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthAckPayload confirms authentication.
type AuthAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    int64  `json:"userId"`
}

// MatchJoinPayload asks to join (or create) a match room.
type MatchJoinPayload struct {
	MatchID string `json:"matchId"`
}

// MatchJoinedPayload echoes a successful join.
type MatchJoinedPayload struct {
	MatchID string `json:"matchId"`
	Members int    `json:"members"`
}

// MoveSendPayload submits a move. ClientMoveID makes resubmission after a
// reconnect idempotent.
type MoveSendPayload struct {
	MatchID      string `json:"matchId"`
	ClientMoveID string `json:"clientMoveId"`
	Move         string `json:"move"`
}

// MoveAckPayload confirms a move was accepted (or deduplicated).
type MoveAckPayload struct {
	MatchID      string `json:"matchId"`
	ClientMoveID string `json:"clientMoveId"`
	ServerMoveID string `json:"serverMoveId"`
	Seq          int64  `json:"seq"`
}

// MoveNewPayload is the fanout of an accepted move to every match member.
type MoveNewPayload struct {
	MatchID      string    `json:"matchId"`
	ClientMoveID string    `json:"clientMoveId"`
	ServerMoveID string    `json:"serverMoveId"`
	Seq          int64     `json:"seq"`
	UserID       int64     `json:"userId"`
	Move         string    `json:"move"`
	ServerTS     time.Time `json:"serverTs"`
}

// HistoryFetchPayload pages through a match's move log.
type HistoryFetchPayload struct {
	MatchID  string `json:"matchId"`
	AfterSeq *int64 `json:"afterSeq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload is one page of moves ordered by seq ascending.
type HistoryChunkPayload struct {
	MatchID string           `json:"matchId"`
	Moves   []MoveNewPayload `json:"moves"`
	HasMore bool             `json:"hasMore"`
}

// ErrorPayload reports a recoverable protocol error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
