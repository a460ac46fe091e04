// Package authapi wires the HTTP auth endpoints to the identity store,
// device resolver, and session manager.
package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gambit/cmd/identity"
	"gambit/cmd/internal/auth/device"
	"gambit/cmd/internal/auth/gate"
	"gambit/cmd/internal/auth/session"
	"gambit/cmd/internal/auth/token"
)

// Handler serves the session and registration endpoints.
type Handler struct {
	log *slog.Logger
	cfg Config

	store    identity.Store
	devices  *device.Resolver
	sessions *session.Manager
	codec    token.Codec

	cookies session.CookieWriter
	email   EmailSender
	limiter *loginLimiter

	// dummyHash absorbs password verification time for unknown emails so
	// "no such user" and "wrong password" are not distinguishable by timing.
	dummyHash string

	now func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithEmailSender overrides the default no-op sender.
func WithEmailSender(sender EmailSender) HandlerOption {
	return func(h *Handler) {
		if sender != nil {
			h.email = sender
		}
	}
}

// WithClock overrides the handler clock; tests use it.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs the auth Handler.
func NewHandler(log *slog.Logger, cfg Config, store identity.Store, devices *device.Resolver, sessions *session.Manager, codec token.Codec, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil || devices == nil || sessions == nil || codec == nil {
		return nil, errors.New("authapi: missing dependency")
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		store:    store,
		devices:  devices,
		sessions: sessions,
		codec:    codec,
		cookies:  session.CookieWriter{Secure: cfg.SecureCookies},
		email:    NoopEmailSender{},
		limiter:  newLoginLimiter(cfg.LoginIPMax, cfg.LoginIPWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	if hash, err := identity.HashPassword("dummy-password-for-timing-only"); err == nil {
		h.dummyHash = hash
	}

	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/users", h.handleUsers)
	mux.HandleFunc("/email-verifications", h.handleVerifyEmail)
	mux.HandleFunc("/sessions", h.handleSessions)
	mux.HandleFunc("/sessions/current", h.handleCurrentSession)
	mux.HandleFunc("/sessions/current/refresh", h.handleRefresh)
	mux.HandleFunc("/sessions/current/refresh/redirect", h.handleRefreshRedirect)
}

// ---- registration ----

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, "register", http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	username := strings.TrimSpace(req.Username)
	switch {
	case !identity.ValidEmail(email):
		h.fail(w, "register", http.StatusBadRequest, "invalid_email", "a valid email is required")
		return
	case username == "":
		h.fail(w, "register", http.StatusBadRequest, "invalid_username", "username is required")
		return
	case req.Password == "":
		h.fail(w, "register", http.StatusBadRequest, "invalid_password", "password is required")
		return
	case req.Password != req.PasswordConfirmation:
		h.fail(w, "register", http.StatusBadRequest, "password_mismatch", "passwords do not match")
		return
	}

	ctx := r.Context()
	now := h.now().UTC()

	user, err := h.store.CreateUser(ctx, identity.CreateUserInput{
		Email:    email,
		Username: username,
		Password: req.Password,
		Now:      now,
	})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			code := "email_taken"
			if identity.ConflictField(err) == "username" {
				code = "username_taken"
			}
			h.fail(w, "register", http.StatusConflict, code, "already in use")
		case identity.IsInvalidInput(err):
			h.fail(w, "register", http.StatusBadRequest, "invalid_password", "password rejected by policy")
		default:
			h.log.Error("auth.register.fail", "err", err)
			h.fail(w, "register", http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	dev, err := h.devices.Resolve(ctx, user.ID, r.Header.Get(device.HeaderDeviceID), r.UserAgent(), now)
	if err != nil {
		h.log.Error("auth.register.device.fail", "err", err, "user_id", user.ID)
		h.fail(w, "register", http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	emailToken, _, err := h.codec.SignEmail(user.ID, dev.ID, now)
	if err != nil {
		h.log.Error("auth.register.token.fail", "err", err, "user_id", user.ID)
		h.fail(w, "register", http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	// The send is awaited: an account nobody can ever confirm must not be
	// reported as created.
	if err := h.email.SendConfirmation(ctx, ConfirmationEmail{
		To:         user.Email,
		Username:   user.Username,
		ConfirmURL: h.confirmURL(emailToken),
	}); err != nil {
		h.log.Error("auth.register.email.fail", "err", err, "user_id", user.ID)
		h.fail(w, "register", http.StatusInternalServerError, "email_send_failed", "could not send confirmation email")
		return
	}

	h.log.Info("auth.register.ok", "user_id", user.ID, "device_id", dev.ID)
	countOp("register", http.StatusCreated)
	writeJSON(w, http.StatusCreated, deviceResponse{DeviceID: dev.ID})
}

func (h *Handler) confirmURL(emailToken string) string {
	return h.cfg.PublicURL + h.cfg.ConfirmPath + "?token=" + url.QueryEscape(emailToken)
}

// ---- email confirmation ----

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifyEmailRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, "verify_email", http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	now := h.now().UTC()

	claims, err := h.codec.VerifyEmail(strings.TrimSpace(req.Token), now)
	if err != nil {
		h.fail(w, "verify_email", http.StatusBadRequest, "invalid_token", "invalid or expired token")
		return
	}

	// Idempotent: confirming twice is fine.
	if err := h.store.MarkEmailVerified(ctx, claims.UserID, now); err != nil {
		if identity.IsNotFound(err) {
			h.fail(w, "verify_email", http.StatusBadRequest, "invalid_token", "invalid or expired token")
			return
		}
		h.log.Error("auth.verify_email.fail", "err", err, "user_id", claims.UserID)
		h.fail(w, "verify_email", http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	// Confirmation finishes the login that registration started, on the
	// device baked into the token.
	issued, err := h.sessions.ReuseOrIssue(ctx, claims.UserID, claims.DeviceID, requestMetadata(r, h.cfg.TrustProxy), now)
	if err != nil {
		h.log.Error("auth.verify_email.issue.fail", "err", err, "user_id", claims.UserID)
		h.fail(w, "verify_email", http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.cookies.SetPair(w, issued, now)

	h.log.Info("auth.verify_email.ok", "user_id", claims.UserID, "device_id", claims.DeviceID)
	countOp("verify_email", http.StatusOK)
	writeJSON(w, http.StatusOK, verifyEmailResponse{Success: true})
}

// ---- login + session listing ----

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleLogin(w, r)
	case http.MethodGet:
		h.handleListSessions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, "login", http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		h.fail(w, "login", http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)

	if h.limiter.blocked(ip, now) {
		h.log.Warn("auth.login.rate_limited", "ip", ip)
		countOp("login", http.StatusTooManyRequests)
		writeRateLimited(w, h.cfg.LoginIPWindow)
		return
	}

	user, err := h.store.GetUserByEmail(ctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			if h.dummyHash != "" {
				_, _ = identity.VerifyPassword(req.Password, h.dummyHash)
			}
			h.loginRejected(w, ip, now, "not_found")
			return
		}
		h.log.Error("auth.login.lookup.fail", "err", err)
		h.fail(w, "login", http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	okPw, err := identity.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !okPw {
		h.loginRejected(w, ip, now, "bad_password")
		return
	}

	// An unconfirmed account answers exactly like a wrong password, so the
	// login form cannot be used to probe which emails are registered.
	if !user.EmailVerified {
		h.loginRejected(w, ip, now, "email_not_verified")
		return
	}

	dev, err := h.devices.Resolve(ctx, user.ID, r.Header.Get(device.HeaderDeviceID), r.UserAgent(), now)
	if err != nil {
		h.log.Error("auth.login.device.fail", "err", err, "user_id", user.ID)
		h.fail(w, "login", http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	issued, err := h.sessions.ReuseOrIssue(ctx, user.ID, dev.ID, requestMetadata(r, h.cfg.TrustProxy), now)
	if err != nil {
		h.log.Error("auth.login.issue.fail", "err", err, "user_id", user.ID)
		h.fail(w, "login", http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.cookies.SetPair(w, issued, now)

	h.log.Info("auth.login.ok", "user_id", user.ID, "device_id", dev.ID, "reused", issued.Reused)
	countOp("login", http.StatusOK)
	writeJSON(w, http.StatusOK, deviceResponse{DeviceID: dev.ID})
}

func (h *Handler) loginRejected(w http.ResponseWriter, ip string, now time.Time, reason string) {
	h.limiter.fail(ip, now)
	h.log.Info("auth.login.fail", "ip", ip, "reason", reason)
	h.fail(w, "login", http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()

	claims, ok := h.accessClaims(r, now)
	if !ok {
		h.fail(w, "list_sessions", http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	rows, err := h.sessions.Sessions(r.Context(), claims.UserID, now)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err, "user_id", claims.UserID)
		h.fail(w, "list_sessions", http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	currentDevice, _ := device.ParseID(r.Header.Get(device.HeaderDeviceID))
	out := sessionListResponse{Sessions: make([]sessionInfo, 0, len(rows))}
	for _, row := range rows {
		out.Sessions = append(out.Sessions, sessionInfo{
			DeviceID:  row.DeviceID,
			Current:   row.DeviceID == currentDevice,
			IP:        row.IP,
			Country:   row.Country,
			Region:    row.Region,
			CreatedAt: row.CreatedAt,
			ExpiresAt: row.ExpiresAt,
		})
	}

	countOp("list_sessions", http.StatusOK)
	writeJSON(w, http.StatusOK, out)
}

// ---- current session: token peek + logout ----

func (h *Handler) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleTokenPeek(w, r)
	case http.MethodDelete:
		h.handleLogout(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTokenPeek hands the raw access token to the client so it can open an
// authenticated WebSocket; cookies do not travel on cross-scheme handshakes
// in every client stack.
func (h *Handler) handleTokenPeek(w http.ResponseWriter, r *http.Request) {
	raw, ok := session.ReadAccess(r)
	if !ok {
		h.fail(w, "token_peek", http.StatusNotFound, "missing_access_token", "no current session")
		return
	}
	// A dead cookie would poison the WS handshake. 404 instead, which sends
	// the client through its refresh path before retrying.
	if _, err := h.codec.VerifyAccess(raw, h.now().UTC()); err != nil {
		h.fail(w, "token_peek", http.StatusNotFound, "missing_access_token", "no current session")
		return
	}
	countOp("token_peek", http.StatusOK)
	writeJSON(w, http.StatusOK, tokenPeekResponse{Token: raw})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now().UTC()

	in := session.RevokeInput{}
	if refresh, ok := session.ReadRefresh(r); ok {
		// Only present when the client posts the cookie through explicitly;
		// the narrow path keeps it off this endpoint in browsers.
		in.RefreshToken = refresh
	}
	if claims, ok := h.accessClaims(r, now); ok {
		in.UserID = claims.UserID
	}
	if id, ok := device.ParseID(r.Header.Get(device.HeaderDeviceID)); ok {
		in.DeviceID = id
	}

	// Logout always succeeds from the caller's perspective.
	res, err := h.sessions.Revoke(ctx, in, now)
	if err != nil {
		h.log.Warn("auth.logout.revoke.fail", "err", err, "strategy", res.Strategy)
	} else {
		h.log.Info("auth.logout.ok", "strategy", res.Strategy, "deleted", res.Deleted)
	}

	h.cookies.Clear(w)
	countOp("logout", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// ---- refresh ----

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	refresh, ok := session.ReadRefresh(r)
	if !ok {
		h.fail(w, "refresh", http.StatusUnauthorized, "missing_refresh_token", "refresh cookie is required")
		return
	}

	now := h.now().UTC()
	res, err := h.sessions.Refresh(r.Context(), refresh, now)
	if err != nil {
		h.refreshError(w, "refresh", err)
		return
	}

	h.cookies.SetAccess(w, res.AccessToken, res.AccessExp, now)
	countOp("refresh", http.StatusOK)
	writeJSON(w, http.StatusOK, refreshResponse{OK: true, DeviceID: res.DeviceID})
}

func (h *Handler) refreshError(w http.ResponseWriter, op string, err error) {
	// A dead session's cookies only cause redirect loops; take them down
	// with the failure.
	h.cookies.Clear(w)
	switch {
	case errors.Is(err, session.ErrInvalidRefreshToken):
		h.fail(w, op, http.StatusUnauthorized, "invalid_refresh_token", "refresh token rejected")
	case errors.Is(err, session.ErrInvalidRefreshTokenDevice):
		h.fail(w, op, http.StatusUnauthorized, "invalid_refresh_token_device", "refresh token not bound to this device")
	default:
		h.log.Error("auth.refresh.fail", "err", err)
		h.fail(w, op, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// handleRefreshRedirect is the browser dance: the gate sends authenticated
// navigation here so the narrow-path refresh cookie can attach, then the
// browser bounces back to where it was headed.
func (h *Handler) handleRefreshRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	next := gate.SanitizeNext(r.URL.Query().Get("next"))
	now := h.now().UTC()

	refresh, ok := session.ReadRefresh(r)
	if !ok {
		countOp("refresh_redirect", http.StatusSeeOther)
		http.Redirect(w, r, h.cfg.Landing, http.StatusSeeOther)
		return
	}

	res, err := h.sessions.Refresh(r.Context(), refresh, now)
	if err != nil {
		h.log.Info("auth.refresh_redirect.fail", "err", err)
		h.cookies.Clear(w)
		countOp("refresh_redirect", http.StatusSeeOther)
		http.Redirect(w, r, h.cfg.Landing, http.StatusSeeOther)
		return
	}

	h.cookies.SetAccess(w, res.AccessToken, res.AccessExp, now)
	countOp("refresh_redirect", http.StatusSeeOther)
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// ---- helpers ----

func (h *Handler) accessClaims(r *http.Request, now time.Time) (token.AccessClaims, bool) {
	raw, ok := session.ReadAccess(r)
	if !ok {
		return token.AccessClaims{}, false
	}
	claims, err := h.codec.VerifyAccess(raw, now)
	if err != nil {
		return token.AccessClaims{}, false
	}
	return claims, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, status int, code, msg string) {
	countOp(op, status)
	writeError(w, status, code, msg)
}
