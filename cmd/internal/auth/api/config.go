package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	// TrustProxy enables reading x-forwarded-for / x-real-ip.
	TrustProxy bool

	// SecureCookies controls the Secure flag; off only for local plain HTTP.
	SecureCookies bool

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64

	// PublicURL is the externally reachable origin used to build email
	// confirmation links, e.g. "https://play.gambit.gg".
	PublicURL string

	// ConfirmPath is the front-end route the confirmation link points at;
	// the signed token is appended as ?token=.
	ConfirmPath string

	// Landing receives browsers whose refresh-redirect dance failed.
	Landing string

	// Login failure throttling per client IP.
	LoginIPMax    int
	LoginIPWindow time.Duration
}

// LoadConfigFromEnv loads auth API config from environment variables with
// safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:    envBool("GAMBIT_AUTH_TRUST_PROXY", false),
		SecureCookies: envBool("GAMBIT_AUTH_SECURE_COOKIES", true),
		MaxBodyBytes:  envInt64("GAMBIT_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		PublicURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("GAMBIT_PUBLIC_URL")), "/"),
		ConfirmPath:   envString("GAMBIT_AUTH_CONFIRM_PATH", "/confirm-email"),
		Landing:       envString("GAMBIT_AUTH_LANDING", "/login"),
		LoginIPMax:    envInt("GAMBIT_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow: envDuration("GAMBIT_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:8080"
	}
	if !strings.HasPrefix(cfg.ConfirmPath, "/") {
		cfg.ConfirmPath = "/" + cfg.ConfirmPath
	}
	if !strings.HasPrefix(cfg.Landing, "/") {
		cfg.Landing = "/" + cfg.Landing
	}

	return cfg
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
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

func envInt(key string, def int) int {
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

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
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
