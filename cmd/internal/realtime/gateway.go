package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gambit/cmd/internal/auth/token"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultAuthTimeout  = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed, so a bare
	// deployment is closed rather than open.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// TokenVerifier is the slice of the token codec the gateway needs.
type TokenVerifier interface {
	VerifyAccess(tokenStr string, now time.Time) (token.AccessClaims, error)
}

// WSGateway is the WebSocket entrypoint for live matches.
//
// It enforces origin policy, subprotocol selection, the auth-first handshake,
// rate limits, and heartbeats, and routes validated envelopes to the Hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	verifier TokenVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks. Accept authorizes same-host
	// origins by default; cross-origin requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authTimeout     time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	now func() time.Time
}

// NewWSGateway constructs a gateway with secure defaults. The verifier is
// required; connections that never authenticate are dropped.
func NewWSGateway(log *slog.Logger, hub *Hub, verifier TokenVerifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, verifier: verifier, now: time.Now}

	// InsecureSkipVerify is a dev-only knob (TLS verification), not an origin
	// policy.
	g.devInsecure = envBoolWS("GAMBIT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("GAMBIT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("GAMBIT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("GAMBIT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("GAMBIT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authTimeout = envDurationWS("GAMBIT_WS_AUTH_TIMEOUT", wsDefaultAuthTimeout)

	g.sendQueueSize = envIntWS("GAMBIT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("GAMBIT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("GAMBIT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("GAMBIT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("GAMBIT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.verifier == nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Auth-first: nothing else is accepted until a valid token arrives.
	client, ok := g.authenticate(ctx, conn)
	if !ok {
		return
	}

	var (
		closeOnce sync.Once
		joined    *Match
	)

	// shutdown is idempotent. It does NOT close client.Send; membership
	// removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(client.SessionID)
				g.hub.DropIfEmpty(joined.ID)
				joined = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := newEventWindow(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now().UTC()
		if !rl.allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeMatchJoin:
			m, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

			// One match at a time: leave the old room before switching.
			if joined != nil && joined.ID != m.ID {
				prev := joined.ID
				joined.Leave(client.SessionID)
				g.hub.DropIfEmpty(prev)
			}
			joined = m

		case TypeMatchLeave:
			if joined != nil {
				prev := joined.ID
				joined.Leave(client.SessionID)
				g.hub.DropIfEmpty(prev)
				joined = nil
			}
			// Leave also closes the client; the session is done.
			shutdown(websocket.StatusNormalClosure, "left")
			break readLoop

		case TypeMoveSend:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMoveSend(ctx, client, joined, env, now); err != nil {
				g.trySendError(ctx, client, "move_failed", err.Error())
				continue readLoop
			}

		case TypeHistoryFetch:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
				continue readLoop
			}

		case TypeAuth:
			// Already authenticated; re-auth is a protocol error.
			g.trySendError(ctx, client, "already_authenticated", "auth is accepted once")

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- auth handshake ----

// authenticate reads the first envelope, which must be a valid auth frame.
// On success it returns a client bound to the verified user id and sends
// auth.ack directly (the writer goroutine is not running yet).
func (g *WSGateway) authenticate(ctx context.Context, conn *websocket.Conn) (*Client, bool) {
	authCtx, cancel := context.WithTimeout(ctx, g.authTimeout)
	defer cancel()

	env, err := readEnvelope(authCtx, conn)
	if err != nil {
		g.log.Info("ws.auth.read.fail", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "auth required")
		return nil, false
	}
	if err := env.Validate(); err != nil || env.Type != TypeAuth {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth required")
		return nil, false
	}

	var p AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.Token) == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth required")
		return nil, false
	}

	claims, err := g.verifier.VerifyAccess(p.Token, g.now().UTC())
	if err != nil {
		g.log.Info("ws.auth.fail", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return nil, false
	}

	client := NewClient(NewRandomHex(10), g.sendQueueSize)
	client.UserID = claims.UserID

	ackPayload, _ := json.Marshal(AuthAckPayload{SessionID: client.SessionID, UserID: claims.UserID})
	ack := newEnvelope(TypeAuthAck, ackPayload, g.now().UTC())
	if err := writeEnvelope(ctx, conn, ack, g.writeTimeout); err != nil {
		g.log.Info("ws.auth.ack.fail", "err", err)
		return nil, false
	}

	g.log.Info("ws.auth.ok", "session_id", client.SessionID, "user_id", claims.UserID)
	return client, true
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env Envelope) (*Match, error) {
	var p MatchJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	matchID := strings.TrimSpace(p.MatchID)
	if matchID == "" {
		return nil, errors.New("missing matchId")
	}

	m := g.hub.GetOrCreateMatch(matchID)
	members := m.Join(client)

	echoPayload, _ := json.Marshal(MatchJoinedPayload{MatchID: m.ID, Members: members})
	echo := newEnvelope(TypeMatchJoined, echoPayload, g.now().UTC())

	if !g.enqueue(ctx, client, echo) {
		m.Leave(client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}

	return m, nil
}

func (g *WSGateway) onMoveSend(ctx context.Context, client *Client, m *Match, env Envelope, now time.Time) error {
	var p MoveSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.MatchID) == "" || p.MatchID != m.ID {
		return errors.New("invalid matchId")
	}
	if strings.TrimSpace(p.ClientMoveID) == "" {
		return errors.New("missing clientMoveId")
	}

	move := strings.TrimSpace(p.Move)
	if move == "" {
		return errors.New("empty move")
	}
	if len([]rune(move)) > maxMoveChars {
		return fmt.Errorf("move too long: max=%d chars", maxMoveChars)
	}

	res := m.Append(client.UserID, p.ClientMoveID, move, now)
	stored := res.Stored

	ackPayload, _ := json.Marshal(MoveAckPayload{
		MatchID:      stored.MatchID,
		ClientMoveID: stored.ClientMoveID,
		ServerMoveID: stored.ServerMoveID,
		Seq:          stored.Seq,
	})
	ack := newEnvelope(TypeMoveAck, ackPayload, now)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: ack")
	}

	if res.Duplicated {
		return nil
	}

	newPayload, _ := json.Marshal(MoveNewPayload{
		MatchID:      stored.MatchID,
		ClientMoveID: stored.ClientMoveID,
		ServerMoveID: stored.ServerMoveID,
		Seq:          stored.Seq,
		UserID:       stored.UserID,
		Move:         stored.Move,
		ServerTS:     stored.ServerTS,
	})
	m.Broadcast(newEnvelope(TypeMoveNew, newPayload, now))
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, m *Match, env Envelope) error {
	var p HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	matchID := strings.TrimSpace(p.MatchID)
	if matchID == "" {
		return errors.New("missing matchId")
	}
	if matchID != m.ID {
		return errors.New("not a member of matchId")
	}

	moves, hasMore := m.History(p.AfterSeq, p.Limit)

	out := make([]MoveNewPayload, 0, len(moves))
	for _, mv := range moves {
		out = append(out, MoveNewPayload{
			MatchID:      mv.MatchID,
			ClientMoveID: mv.ClientMoveID,
			ServerMoveID: mv.ServerMoveID,
			Seq:          mv.Seq,
			UserID:       mv.UserID,
			Move:         mv.Move,
			ServerTS:     mv.ServerTS,
		})
	}

	chunkPayload, _ := json.Marshal(HistoryChunkPayload{
		MatchID: matchID,
		Moves:   out,
		HasMore: hasMore,
	})
	chunk := newEnvelope(TypeHistoryChunk, chunkPayload, g.now().UTC())

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(TypeError, p, g.now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	return Envelope{
		V:       ProtocolVersion,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors come from json.Unmarshal, not conn.Read. This
	// fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep it strict: only hosts from the allowlist.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
