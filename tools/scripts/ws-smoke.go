// Package main provides a CI-friendly WebSocket smoke test for the gambit
// realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - auth -> auth.ack session establishment
//   - match join
//   - move send -> ack
//   - fanout move.new to another client
//   - history fetch
//   - idempotent dedupe by client_move_id
//
// The tool speaks the wire contract directly with local envelope types so a
// drift between server and protocol docs fails the smoke run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	subprotocol     = "gambit.realtime.v1"
	protocolVersion = 1
	maxReadBytes    = 1 << 20 // 1MiB
)

const (
	typeAuth         = "auth"
	typeAuthAck      = "auth.ack"
	typeMatchJoin    = "match.join"
	typeMatchJoined  = "match.joined"
	typeMoveSend     = "move.send"
	typeMoveAck      = "move.ack"
	typeMoveNew      = "move.new"
	typeHistoryFetch = "match.history.fetch"
	typeHistoryChunk = "match.history.chunk"
	typeError        = "error"
)

type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

type authAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    int64  `json:"userId"`
}

type matchJoinPayload struct {
	MatchID string `json:"matchId"`
}

type matchJoinedPayload struct {
	MatchID string `json:"matchId"`
	Members int    `json:"members"`
}

type moveSendPayload struct {
	MatchID      string `json:"matchId"`
	ClientMoveID string `json:"clientMoveId"`
	Move         string `json:"move"`
}

type moveAckPayload struct {
	MatchID      string `json:"matchId"`
	ClientMoveID string `json:"clientMoveId"`
	ServerMoveID string `json:"serverMoveId"`
	Seq          int64  `json:"seq"`
}

type moveNewPayload struct {
	MatchID      string    `json:"matchId"`
	ClientMoveID string    `json:"clientMoveId"`
	ServerMoveID string    `json:"serverMoveId"`
	Seq          int64     `json:"seq"`
	UserID       int64     `json:"userId"`
	Move         string    `json:"move"`
	ServerTS     time.Time `json:"serverTs"`
}

type historyFetchPayload struct {
	MatchID  string `json:"matchId"`
	AfterSeq *int64 `json:"afterSeq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type historyChunkPayload struct {
	MatchID string           `json:"matchId"`
	Moves   []moveNewPayload `json:"moves"`
	HasMore bool             `json:"hasMore"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    int64

	inbox chan envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "", "Access token for client A (required)")
		tokenB  = flag.String("token-b", "", "Access token for client B (required)")
		matchID = flag.String("match", "smoke-match-1", "Match ID to join")
		move    = flag.String("move", "e4", "Move to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required; mint them via POST /sessions")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(user=%d) B=%s(user=%d) origin=%q\n", a.sessionID, a.userID, b.sessionID, b.userID, *origin)
	}

	mustJoin(root, a, *matchID, 1, *timeout)
	mustJoin(root, b, *matchID, 2, *timeout)

	clientMoveID := fmt.Sprintf("cmov-%d", time.Now().UnixNano())

	serverMoveID, seq := mustSendAndAssertAck(root, a, *matchID, clientMoveID, *move, *timeout)

	mustAssertNew(root, b, *matchID, clientMoveID, serverMoveID, seq, a.userID, *move, *timeout)

	_ = drainOptionalNew(root, a, 750*time.Millisecond)

	mustHistoryFetchContains(root, b, *matchID, nil, 50, clientMoveID, serverMoveID, seq, a.userID, *move, *timeout)

	after := seq
	mustHistoryFetchEmpty(root, b, *matchID, &after, 50, *timeout)

	// Resubmission must ack the original seq and never fan out again.
	_, seq2 := mustSendAndAssertAck(root, a, *matchID, clientMoveID, *move, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}

	mustAssertNoType(root, b, typeMoveNew, 1200*time.Millisecond)
	mustAssertNoType(root, a, typeMoveNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s match_id=%s seq=%d server_move_id=%s\n", a.sessionID, b.sessionID, *matchID, seq, serverMoveID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan envelope, 512),
		errCh: make(chan error, 1),
	}

	// The gateway refuses to speak until the first envelope authenticates,
	// so write auth before spinning up the read loop.
	auth := envelope{
		V:       protocolVersion,
		Type:    typeAuth,
		ID:      fmt.Sprintf("%s-auth", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(authPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, auth, stepTimeout)

	c.startReadLoop()

	ack := c.mustReadUntilType(parent, typeAuthAck, stepTimeout, nil)

	var p authAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal auth.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("auth.ack missing session_id (%s)", name)
	}
	if p.UserID <= 0 {
		fatalf("auth.ack invalid user_id (%s): %d", name, p.UserID)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if env.V != protocolVersion || strings.TrimSpace(env.Type) == "" {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: v=%d type=%q", env.V, env.Type):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, matchID string, wantMembers int, stepTimeout time.Duration) {
	env := envelope{
		V:       protocolVersion,
		Type:    typeMatchJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(matchJoinPayload{MatchID: matchID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	joined := c.mustReadUntilType(parent, typeMatchJoined, stepTimeout, nil)

	var p matchJoinedPayload
	if err := json.Unmarshal(joined.Payload, &p); err != nil {
		fatalf("unmarshal match.joined payload (%s): %v", c.name, err)
	}
	if p.MatchID != matchID {
		fatalf("match.joined match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
	if p.Members != wantMembers {
		fatalf("match.joined member count mismatch (%s): got=%d want=%d", c.name, p.Members, wantMembers)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, matchID, clientMoveID, move string, stepTimeout time.Duration) (serverMoveID string, seq int64) {
	env := envelope{
		V:    protocolVersion,
		Type: typeMoveSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMoveID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(moveSendPayload{
			MatchID:      matchID,
			ClientMoveID: clientMoveID,
			Move:         move,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{typeMoveNew: {}}
	ack := c.mustReadUntilType(parent, typeMoveAck, stepTimeout, skip)

	var p moveAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal move.ack payload (%s): %v", c.name, err)
	}
	if p.MatchID != matchID {
		fatalf("ack match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
	if p.ClientMoveID != clientMoveID {
		fatalf("ack client_move_id mismatch (%s): got=%q want=%q", c.name, p.ClientMoveID, clientMoveID)
	}
	if strings.TrimSpace(p.ServerMoveID) == "" {
		fatalf("ack missing server_move_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.ServerMoveID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, matchID, clientMoveID, serverMoveID string, seq int64, senderUserID int64, move string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, typeMoveNew, stepTimeout, nil)

	var p moveNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal move.new payload (%s): %v", c.name, err)
	}

	if p.MatchID != matchID {
		fatalf("new match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
	if p.ClientMoveID != clientMoveID {
		fatalf("new client_move_id mismatch (%s): got=%q want=%q", c.name, p.ClientMoveID, clientMoveID)
	}
	if p.ServerMoveID != serverMoveID {
		fatalf("new server_move_id mismatch (%s): got=%q want=%q", c.name, p.ServerMoveID, serverMoveID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.UserID != senderUserID {
		fatalf("new user_id mismatch (%s): got=%d want=%d", c.name, p.UserID, senderUserID)
	}
	if p.Move != move {
		fatalf("new move mismatch (%s): got=%q want=%q", c.name, p.Move, move)
	}
	if p.ServerTS.IsZero() {
		fatalf("new server_ts missing/zero (%s)", c.name)
	}
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	matchID string,
	afterSeq *int64,
	limit int,
	clientMoveID, serverMoveID string,
	seq int64,
	senderUserID int64,
	move string,
	stepTimeout time.Duration,
) {
	chunk := mustHistoryFetch(parent, c, matchID, afterSeq, limit, stepTimeout)

	found := false
	for _, m := range chunk.Moves {
		if m.MatchID == matchID &&
			m.ClientMoveID == clientMoveID &&
			m.ServerMoveID == serverMoveID &&
			m.Seq == seq &&
			m.UserID == senderUserID &&
			m.Move == move &&
			!m.ServerTS.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history.chunk missing expected move (%s)", c.name)
	}
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, matchID string, afterSeq *int64, limit int, stepTimeout time.Duration) {
	chunk := mustHistoryFetch(parent, c, matchID, afterSeq, limit, stepTimeout)
	if len(chunk.Moves) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(chunk.Moves))
	}
}

func mustHistoryFetch(parent context.Context, c *smokeClient, matchID string, afterSeq *int64, limit int, stepTimeout time.Duration) historyChunkPayload {
	req := envelope{
		V:    protocolVersion,
		Type: typeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(historyFetchPayload{
			MatchID:  matchID,
			AfterSeq: afterSeq,
			Limit:    limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, typeHistoryChunk, stepTimeout, nil)

	var p historyChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history.chunk payload (%s): %v", c.name, err)
	}
	return p
}

func drainOptionalNew(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typeMoveNew {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == typeError {
				var ep errorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == typeError {
				var ep errorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
