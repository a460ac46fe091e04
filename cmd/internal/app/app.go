// Package app wires the Gambit server runtime: config, logging, the auth
// surface, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and
// behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"gambit/cmd/identity"
	authapi "gambit/cmd/internal/auth/api"
	"gambit/cmd/internal/auth/device"
	"gambit/cmd/internal/auth/gate"
	"gambit/cmd/internal/auth/session"
	"gambit/cmd/internal/auth/token"
	"gambit/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Gambit server runtime. It owns HTTP server wiring, the auth
// dependencies, and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	codec token.Codec
	auth  *authapi.Handler
	gate  *gate.Gate
	ws    *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}

	// The codec is required for anything auth-shaped. Without secrets the
	// server still runs its health surface, which keeps dev bootstrap easy.
	tokenCfg, err := token.LoadConfigFromEnv()
	switch {
	case err == nil:
		codec, err := token.NewHMACCodec(tokenCfg)
		if err != nil {
			return nil, err
		}
		a.codec = codec
	case cfg.DatabaseURL != "":
		return nil, err
	default:
		log.Warn("auth.disabled.no_token_secrets")
	}

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		a.dbPool = pool
		a.dbEnabled = true
		log.Info("db.enabled.postgres_store")

		// Ownership model: app owns the pool lifecycle; the stores never
		// close it.
		users, err := identity.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		sessions, err := session.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}

		manager := session.NewManager(a.codec, sessions, users, log)
		resolver := device.NewResolver(users, log)

		authCfg := authapi.LoadConfigFromEnv()
		opts := []authapi.HandlerOption{}
		if sender, ok := authapi.SMTPFromEnv(); ok {
			opts = append(opts, authapi.WithEmailSender(sender))
			log.Info("email.smtp.enabled")
		} else {
			log.Warn("email.noop.no_smtp_config")
		}

		handler, err := authapi.NewHandler(log, authCfg, users, resolver, manager, a.codec, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.auth = handler

		a.gate = gate.New(gate.Config{
			Open:       cfg.GateOpen,
			PublicOnly: cfg.GatePublicOnly,
			Home:       cfg.GateHome,
			Landing:    cfg.GateLanding,
		}, a.codec, log)
	} else {
		log.Info("db.disabled.auth_surface_off")
	}

	a.ws = realtime.NewWSGateway(log, realtime.NewHub(log), a.codec)

	return a, nil
}

// Handler assembles the full middleware chain around the route mux.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.auth)

	var h http.Handler = mux
	if a.gate != nil {
		h = a.gate.Wrap(h)
	}
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log)
	h = WithRequestID(h)
	return h
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a bind address into something a human can click in
// startup logs. Bind-all addresses collapse to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
