package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gambit/cmd/identity"
	"gambit/cmd/internal/auth/device"
	"gambit/cmd/internal/auth/session"
	"gambit/cmd/internal/auth/token"
	sectoken "gambit/cmd/security/token"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// ---- fakes ----

type fakeIdentityStore struct {
	users   map[int64]identity.User
	devices map[int64]identity.Device
	nextU   int64
	nextD   int64
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		users:   map[int64]identity.User{},
		devices: map[int64]identity.Device{},
		nextU:   1,
		nextD:   1,
	}
}

func (s *fakeIdentityStore) CreateUser(_ context.Context, in identity.CreateUserInput) (identity.User, error) {
	emailNorm := identity.NormalizeEmail(in.Email)
	userNorm := identity.NormalizeUsername(in.Username)
	for _, u := range s.users {
		if identity.NormalizeEmail(u.Email) == emailNorm {
			return identity.User{}, identity.ConflictError{Op: "fake.CreateUser", Field: "email"}
		}
		if identity.NormalizeUsername(u.Username) == userNorm {
			return identity.User{}, identity.ConflictError{Op: "fake.CreateUser", Field: "username"}
		}
	}
	hash, err := identity.HashPassword(in.Password)
	if err != nil {
		return identity.User{}, err
	}
	u := identity.User{
		ID:           s.nextU,
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: hash,
		CreatedAt:    in.Now,
	}
	s.nextU++
	s.users[u.ID] = u
	return u, nil
}

func (s *fakeIdentityStore) GetUserByEmail(_ context.Context, email string) (identity.User, error) {
	norm := identity.NormalizeEmail(email)
	for _, u := range s.users {
		if identity.NormalizeEmail(u.Email) == norm {
			return u, nil
		}
	}
	return identity.User{}, identity.NotFoundError{Op: "fake.GetUserByEmail", Resource: "user"}
}

func (s *fakeIdentityStore) GetUserByID(_ context.Context, id int64) (identity.User, error) {
	u, ok := s.users[id]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "fake.GetUserByID", Resource: "user"}
	}
	return u, nil
}

func (s *fakeIdentityStore) MarkEmailVerified(_ context.Context, id int64, _ time.Time) error {
	u, ok := s.users[id]
	if !ok {
		return identity.NotFoundError{Op: "fake.MarkEmailVerified", Resource: "user"}
	}
	u.EmailVerified = true
	s.users[id] = u
	return nil
}

func (s *fakeIdentityStore) CreateDevice(_ context.Context, in identity.CreateDeviceInput) (identity.Device, error) {
	d := identity.Device{
		ID:         s.nextD,
		UserID:     in.UserID,
		UserAgent:  in.UserAgent,
		DeviceType: in.DeviceType,
		CreatedAt:  in.Now,
		LastSeenAt: in.Now,
	}
	s.nextD++
	s.devices[d.ID] = d
	return d, nil
}

func (s *fakeIdentityStore) GetDeviceByID(_ context.Context, id int64) (identity.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return identity.Device{}, identity.NotFoundError{Op: "fake.GetDeviceByID", Resource: "device"}
	}
	return d, nil
}

func (s *fakeIdentityStore) TouchDevice(_ context.Context, id int64, now time.Time) error {
	d, ok := s.devices[id]
	if !ok {
		return identity.NotFoundError{Op: "fake.TouchDevice", Resource: "device"}
	}
	d.LastSeenAt = now
	s.devices[id] = d
	return nil
}

type memSessionStore struct {
	rows map[string]session.RefreshToken
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: map[string]session.RefreshToken{}}
}

func (s *memSessionStore) Replace(_ context.Context, row session.RefreshToken) error {
	for tok, r := range s.rows {
		if r.UserID == row.UserID && r.DeviceID == row.DeviceID {
			delete(s.rows, tok)
		}
	}
	s.rows[row.Token] = row
	return nil
}

func (s *memSessionStore) GetByToken(_ context.Context, tok string) (session.RefreshToken, error) {
	r, ok := s.rows[tok]
	if !ok {
		return session.RefreshToken{}, session.ErrTokenNotFound
	}
	return r, nil
}

func (s *memSessionStore) GetByUserDevice(_ context.Context, userID, deviceID int64) (session.RefreshToken, error) {
	for _, r := range s.rows {
		if r.UserID == userID && r.DeviceID == deviceID {
			return r, nil
		}
	}
	return session.RefreshToken{}, session.ErrTokenNotFound
}

func (s *memSessionStore) ListByUser(_ context.Context, userID int64) ([]session.RefreshToken, error) {
	var out []session.RefreshToken
	for _, r := range s.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memSessionStore) DeleteByToken(_ context.Context, tok string) (int64, error) {
	if _, ok := s.rows[tok]; !ok {
		return 0, nil
	}
	delete(s.rows, tok)
	return 1, nil
}

func (s *memSessionStore) DeleteByUserDevice(_ context.Context, userID, deviceID int64) (int64, error) {
	var n int64
	for tok, r := range s.rows {
		if r.UserID == userID && r.DeviceID == deviceID {
			delete(s.rows, tok)
			n++
		}
	}
	return n, nil
}

func (s *memSessionStore) DeleteByUser(_ context.Context, userID int64) (int64, error) {
	var n int64
	for tok, r := range s.rows {
		if r.UserID == userID {
			delete(s.rows, tok)
			n++
		}
	}
	return n, nil
}

func (s *memSessionStore) DeleteByDevice(_ context.Context, deviceID int64) (int64, error) {
	var n int64
	for tok, r := range s.rows {
		if r.DeviceID == deviceID {
			delete(s.rows, tok)
			n++
		}
	}
	return n, nil
}

type captureSender struct {
	sent []ConfirmationEmail
	err  error
}

func (s *captureSender) SendConfirmation(_ context.Context, msg ConfirmationEmail) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

// ---- harness ----

type harness struct {
	mux      *http.ServeMux
	handler  *Handler
	store    *fakeIdentityStore
	sessions *session.Manager
	sessRows *memSessionStore
	codec    token.Codec
	sender   *captureSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := token.DefaultConfig()
	cfg.Secrets = map[sectoken.Kind][]byte{
		sectoken.KindAccess:  []byte(strings.Repeat("a", 32)),
		sectoken.KindRefresh: []byte(strings.Repeat("r", 32)),
		sectoken.KindEmail:   []byte(strings.Repeat("e", 32)),
	}
	codec, err := token.NewHMACCodec(cfg)
	if err != nil {
		t.Fatalf("NewHMACCodec: %v", err)
	}

	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	ids := newFakeIdentityStore()
	rows := newMemSessionStore()
	mgr := session.NewManager(codec, rows, ids, log)

	h, err := NewHandler(log, Config{
		SecureCookies: true,
		MaxBodyBytes:  1 << 20,
		PublicURL:     "https://play.example.com",
		ConfirmPath:   "/confirm-email",
		Landing:       "/login",
		LoginIPMax:    3,
		LoginIPWindow: 5 * time.Minute,
	}, ids, device.NewResolver(ids, log), mgr, codec,
		WithClock(func() time.Time { return testNow }),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	sender := &captureSender{}
	h.email = sender

	mux := http.NewServeMux()
	h.Register(mux)

	return &harness{mux: mux, handler: h, store: ids, sessions: mgr, sessRows: rows, codec: codec, sender: sender}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (h *harness) do(t *testing.T, method, target, body string, mod func(*http.Request)) *http.Response {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec.Result()
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorCode(t *testing.T, res *http.Response) string {
	t.Helper()
	return decodeBody[errorResponse](t, res).Error.Code
}

func cookiesByName(res *http.Response) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range res.Cookies() {
		out[c.Name] = c
	}
	return out
}

// register creates a verified user with a device and returns its id.
func (h *harness) register(t *testing.T, email, username, password string) int64 {
	t.Helper()
	res := h.do(t, http.MethodPost, "/users",
		`{"email":"`+email+`","username":"`+username+`","password":"`+password+`","passwordConfirmation":"`+password+`"}`, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", res.StatusCode)
	}
	out := decodeBody[deviceResponse](t, res)
	user, err := h.store.GetUserByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("lookup registered user: %v", err)
	}
	if err := h.store.MarkEmailVerified(context.Background(), user.ID, testNow); err != nil {
		t.Fatalf("verify registered user: %v", err)
	}
	_ = out
	return user.ID
}

// login returns the session cookies for a verified user. It pins the login
// to device 1, the device created during registration.
func (h *harness) login(t *testing.T, email, password string) map[string]*http.Cookie {
	t.Helper()
	res := h.do(t, http.MethodPost, "/sessions",
		`{"email":"`+email+`","password":"`+password+`"}`, func(r *http.Request) {
			r.Header.Set(device.HeaderDeviceID, "1")
		})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", res.StatusCode)
	}
	return cookiesByName(res)
}

// ---- registration ----

func TestRegister(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodPost, "/users",
			`{"email":"kasparov@example.com","username":"garry","password":"secret1","passwordConfirmation":"secret1"}`, nil)

		if res.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want 201", res.StatusCode)
		}
		out := decodeBody[deviceResponse](t, res)
		if out.DeviceID <= 0 {
			t.Fatalf("deviceId = %d, want positive", out.DeviceID)
		}
		if len(res.Cookies()) != 0 {
			t.Fatalf("registration must not set cookies, got %d", len(res.Cookies()))
		}
		if len(h.sender.sent) != 1 {
			t.Fatalf("sent %d confirmation emails, want 1", len(h.sender.sent))
		}
		msg := h.sender.sent[0]
		if msg.To != "kasparov@example.com" {
			t.Fatalf("email to %q", msg.To)
		}
		if !strings.HasPrefix(msg.ConfirmURL, "https://play.example.com/confirm-email?token=") {
			t.Fatalf("confirm URL = %q", msg.ConfirmURL)
		}
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t)
		cases := []struct {
			name string
			body string
			code string
		}{
			{"bad email", `{"email":"nope","username":"u","password":"secret1","passwordConfirmation":"secret1"}`, "invalid_email"},
			{"missing username", `{"email":"a@b.com","username":"","password":"secret1","passwordConfirmation":"secret1"}`, "invalid_username"},
			{"missing password", `{"email":"a@b.com","username":"u","password":"","passwordConfirmation":""}`, "invalid_password"},
			{"mismatch", `{"email":"a@b.com","username":"u","password":"secret1","passwordConfirmation":"secret2"}`, "password_mismatch"},
			{"too short", `{"email":"a@b.com","username":"u","password":"abc","passwordConfirmation":"abc"}`, "invalid_password"},
			{"unknown field", `{"email":"a@b.com","username":"u","password":"secret1","passwordConfirmation":"secret1","admin":true}`, "invalid_json"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				res := h.do(t, http.MethodPost, "/users", tc.body, nil)
				if res.StatusCode != http.StatusBadRequest {
					t.Fatalf("status = %d, want 400", res.StatusCode)
				}
				if got := errorCode(t, res); got != tc.code {
					t.Fatalf("code = %q, want %q", got, tc.code)
				}
			})
		}
	})

	t.Run("conflicts", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "taken@example.com", "first", "secret1")

		res := h.do(t, http.MethodPost, "/users",
			`{"email":"taken@example.com","username":"second","password":"secret1","passwordConfirmation":"secret1"}`, nil)
		if res.StatusCode != http.StatusConflict || errorCode(t, res) != "email_taken" {
			t.Fatalf("duplicate email: status=%d", res.StatusCode)
		}

		res = h.do(t, http.MethodPost, "/users",
			`{"email":"fresh@example.com","username":"FIRST","password":"secret1","passwordConfirmation":"secret1"}`, nil)
		if res.StatusCode != http.StatusConflict || errorCode(t, res) != "username_taken" {
			t.Fatalf("duplicate username: status=%d", res.StatusCode)
		}
	})

	t.Run("email send failure fails the request", func(t *testing.T) {
		h := newHarness(t)
		h.sender.err = errors.New("smtp down")

		res := h.do(t, http.MethodPost, "/users",
			`{"email":"a@b.com","username":"u","password":"secret1","passwordConfirmation":"secret1"}`, nil)
		if res.StatusCode != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", res.StatusCode)
		}
		if got := errorCode(t, res); got != "email_send_failed" {
			t.Fatalf("code = %q", got)
		}
	})
}

// ---- email confirmation ----

func TestVerifyEmail(t *testing.T) {
	h := newHarness(t)
	res := h.do(t, http.MethodPost, "/users",
		`{"email":"new@example.com","username":"newbie","password":"secret1","passwordConfirmation":"secret1"}`, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", res.StatusCode)
	}
	dev := decodeBody[deviceResponse](t, res)

	emailTok, _, err := h.codec.SignEmail(1, dev.DeviceID, testNow)
	if err != nil {
		t.Fatalf("SignEmail: %v", err)
	}

	t.Run("confirms and logs in", func(t *testing.T) {
		res := h.do(t, http.MethodPost, "/email-verifications", `{"token":"`+emailTok+`"}`, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
		if out := decodeBody[verifyEmailResponse](t, res); !out.Success {
			t.Fatal("success = false")
		}

		cs := cookiesByName(res)
		access, ok := cs[session.AccessCookieName]
		if !ok || access.Value == "" || access.Path != "/" {
			t.Fatalf("access cookie = %+v", access)
		}
		refresh, ok := cs[session.RefreshCookieName]
		if !ok || refresh.Value == "" || refresh.Path != session.RefreshCookiePath {
			t.Fatalf("refresh cookie = %+v", refresh)
		}

		u, err := h.store.GetUserByID(context.Background(), 1)
		if err != nil || !u.EmailVerified {
			t.Fatalf("user verified = %v, err = %v", u.EmailVerified, err)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		res := h.do(t, http.MethodPost, "/email-verifications", `{"token":"`+emailTok+`"}`, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("second confirm status = %d, want 200", res.StatusCode)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		res := h.do(t, http.MethodPost, "/email-verifications", `{"token":"not-a-token"}`, nil)
		if res.StatusCode != http.StatusBadRequest || errorCode(t, res) != "invalid_token" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})

	t.Run("access token is not an email token", func(t *testing.T) {
		wrong, _, err := h.codec.SignAccess(1, testNow)
		if err != nil {
			t.Fatalf("SignAccess: %v", err)
		}
		res := h.do(t, http.MethodPost, "/email-verifications", `{"token":"`+wrong+`"}`, nil)
		if res.StatusCode != http.StatusBadRequest || errorCode(t, res) != "invalid_token" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})
}

// ---- login ----

func TestLogin(t *testing.T) {
	t.Run("success sets both cookies", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")

		res := h.do(t, http.MethodPost, "/sessions",
			`{"email":"player@example.com","password":"secret1"}`, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
		out := decodeBody[deviceResponse](t, res)
		if out.DeviceID <= 0 {
			t.Fatalf("deviceId = %d", out.DeviceID)
		}

		cs := cookiesByName(res)
		for _, name := range []string{session.AccessCookieName, session.RefreshCookieName} {
			c, ok := cs[name]
			if !ok || c.Value == "" {
				t.Fatalf("missing %s cookie", name)
			}
			if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
				t.Fatalf("%s flags = %+v", name, c)
			}
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")

		res := h.do(t, http.MethodPost, "/sessions",
			`{"email":"player@example.com","password":"wrong-1"}`, nil)
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, res) != "invalid_credentials" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})

	t.Run("unknown email answers like wrong password", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodPost, "/sessions",
			`{"email":"ghost@example.com","password":"secret1"}`, nil)
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, res) != "invalid_credentials" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})

	t.Run("unverified email answers like wrong password", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodPost, "/users",
			`{"email":"pending@example.com","username":"pending","password":"secret1","passwordConfirmation":"secret1"}`, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register status = %d", res.StatusCode)
		}

		res = h.do(t, http.MethodPost, "/sessions",
			`{"email":"pending@example.com","password":"secret1"}`, nil)
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, res) != "invalid_credentials" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})

	t.Run("relogin reuses the live session", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")

		first := h.login(t, "player@example.com", "secret1")
		second := h.login(t, "player@example.com", "secret1")
		if second[session.RefreshCookieName].Value != first[session.RefreshCookieName].Value {
			t.Fatal("relogin minted a new refresh token for the same device")
		}
	})

	t.Run("failures throttle per IP", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")

		for i := 0; i < 3; i++ {
			res := h.do(t, http.MethodPost, "/sessions",
				`{"email":"player@example.com","password":"wrong-1"}`, nil)
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("attempt %d status = %d", i, res.StatusCode)
			}
		}

		// The correct password is also rejected once the budget is spent.
		res := h.do(t, http.MethodPost, "/sessions",
			`{"email":"player@example.com","password":"secret1"}`, nil)
		if res.StatusCode != http.StatusTooManyRequests || errorCode(t, res) != "rate_limited" {
			t.Fatalf("status = %d, want 429", res.StatusCode)
		}
		if res.Header.Get("Retry-After") == "" {
			t.Fatal("missing Retry-After")
		}
	})
}

// ---- refresh ----

func TestRefresh(t *testing.T) {
	t.Run("missing cookie", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodPost, "/sessions/current/refresh", "", nil)
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, res) != "missing_refresh_token" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})

	t.Run("mints a new access token only", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")
		cs := h.login(t, "player@example.com", "secret1")

		res := h.do(t, http.MethodPost, "/sessions/current/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: cs[session.RefreshCookieName].Value})
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
		out := decodeBody[refreshResponse](t, res)
		if !out.OK || out.DeviceID != 1 {
			t.Fatalf("body = %+v", out)
		}

		set := cookiesByName(res)
		if _, ok := set[session.AccessCookieName]; !ok {
			t.Fatal("no access cookie set")
		}
		if _, ok := set[session.RefreshCookieName]; ok {
			t.Fatal("refresh must not rotate the refresh cookie")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodPost, "/sessions/current/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "garbage"})
		})
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, res) != "invalid_refresh_token" {
			t.Fatalf("status = %d", res.StatusCode)
		}
	})

	t.Run("revoked session clears cookies", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")
		cs := h.login(t, "player@example.com", "secret1")
		refresh := cs[session.RefreshCookieName].Value

		if _, err := h.sessRows.DeleteByToken(context.Background(), refresh); err != nil {
			t.Fatalf("delete: %v", err)
		}

		res := h.do(t, http.MethodPost, "/sessions/current/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: refresh})
		})
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, res) != "invalid_refresh_token_device" {
			t.Fatalf("status = %d", res.StatusCode)
		}

		for _, c := range res.Cookies() {
			if c.MaxAge >= 0 {
				t.Fatalf("cookie %s not cleared: MaxAge=%d", c.Name, c.MaxAge)
			}
		}
	})
}

func TestRefreshRedirect(t *testing.T) {
	t.Run("bounces back to next", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")
		cs := h.login(t, "player@example.com", "secret1")

		res := h.do(t, http.MethodGet, "/sessions/current/refresh/redirect?next=%2Flobby%3Ftab%3Dactive", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: cs[session.RefreshCookieName].Value})
		})
		if res.StatusCode != http.StatusSeeOther {
			t.Fatalf("status = %d, want 303", res.StatusCode)
		}
		if loc := res.Header.Get("Location"); loc != "/lobby?tab=active" {
			t.Fatalf("Location = %q", loc)
		}
		if _, ok := cookiesByName(res)[session.AccessCookieName]; !ok {
			t.Fatal("no access cookie set")
		}
	})

	t.Run("no cookie goes to landing", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodGet, "/sessions/current/refresh/redirect?next=%2Flobby", "", nil)
		if res.StatusCode != http.StatusSeeOther || res.Header.Get("Location") != "/login" {
			t.Fatalf("status=%d location=%q", res.StatusCode, res.Header.Get("Location"))
		}
	})

	t.Run("dead session goes to landing", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodGet, "/sessions/current/refresh/redirect?next=%2Flobby", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "garbage"})
		})
		if res.StatusCode != http.StatusSeeOther || res.Header.Get("Location") != "/login" {
			t.Fatalf("status=%d location=%q", res.StatusCode, res.Header.Get("Location"))
		}
	})

	t.Run("hostile next is discarded", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")
		cs := h.login(t, "player@example.com", "secret1")

		res := h.do(t, http.MethodGet, "/sessions/current/refresh/redirect?next=%2F%2Fevil.example.com", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: cs[session.RefreshCookieName].Value})
		})
		if loc := res.Header.Get("Location"); loc != "/" {
			t.Fatalf("Location = %q, want /", loc)
		}
	})
}

// ---- logout + token peek + session list ----

func TestLogout(t *testing.T) {
	t.Run("always 204 without a session", func(t *testing.T) {
		h := newHarness(t)
		res := h.do(t, http.MethodDelete, "/sessions/current", "", nil)
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", res.StatusCode)
		}
		if len(res.Cookies()) == 0 {
			t.Fatal("logout must clear cookies")
		}
	})

	t.Run("revokes the device session", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "player@example.com", "player", "secret1")
		cs := h.login(t, "player@example.com", "secret1")

		res := h.do(t, http.MethodDelete, "/sessions/current", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: cs[session.AccessCookieName].Value})
			r.Header.Set(device.HeaderDeviceID, "1")
		})
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", res.StatusCode)
		}
		if len(h.sessRows.rows) != 0 {
			t.Fatalf("%d session rows survive logout", len(h.sessRows.rows))
		}
	})
}

func TestTokenPeek(t *testing.T) {
	h := newHarness(t)
	h.register(t, "player@example.com", "player", "secret1")
	cs := h.login(t, "player@example.com", "secret1")

	t.Run("returns the raw access token", func(t *testing.T) {
		res := h.do(t, http.MethodGet, "/sessions/current", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: cs[session.AccessCookieName].Value})
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
		out := decodeBody[tokenPeekResponse](t, res)
		if out.Token != cs[session.AccessCookieName].Value {
			t.Fatal("peeked token differs from cookie")
		}
	})

	t.Run("404 without a session", func(t *testing.T) {
		res := h.do(t, http.MethodGet, "/sessions/current", "", nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", res.StatusCode)
		}
	})

	t.Run("404 for an expired access token", func(t *testing.T) {
		stale, _, err := h.codec.SignAccess(1, testNow.Add(-2*time.Hour))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		res := h.do(t, http.MethodGet, "/sessions/current", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: stale})
		})
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", res.StatusCode)
		}
		if code := errorCode(t, res); code != "missing_access_token" {
			t.Fatalf("code = %q, want missing_access_token", code)
		}
	})

	t.Run("404 for a garbage access token", func(t *testing.T) {
		res := h.do(t, http.MethodGet, "/sessions/current", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: "not-a-token"})
		})
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", res.StatusCode)
		}
	})
}

func TestListSessions(t *testing.T) {
	h := newHarness(t)
	h.register(t, "player@example.com", "player", "secret1")
	cs := h.login(t, "player@example.com", "secret1")

	// Second session from another device.
	res := h.do(t, http.MethodPost, "/sessions",
		`{"email":"player@example.com","password":"secret1"}`, func(r *http.Request) {
			r.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148")
		})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second login status = %d", res.StatusCode)
	}

	t.Run("lists all live sessions and marks current", func(t *testing.T) {
		res := h.do(t, http.MethodGet, "/sessions", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: cs[session.AccessCookieName].Value})
			r.Header.Set(device.HeaderDeviceID, "1")
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
		out := decodeBody[sessionListResponse](t, res)
		if len(out.Sessions) != 2 {
			t.Fatalf("%d sessions, want 2", len(out.Sessions))
		}
		var currents int
		for _, s := range out.Sessions {
			if s.Current {
				currents++
				if s.DeviceID != 1 {
					t.Fatalf("current session on device %d", s.DeviceID)
				}
			}
		}
		if currents != 1 {
			t.Fatalf("%d sessions marked current, want 1", currents)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		res := h.do(t, http.MethodGet, "/sessions", "", nil)
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", res.StatusCode)
		}
	})
}
