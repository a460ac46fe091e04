package token

import (
	"os"
	"time"

	sectoken "gambit/cmd/security/token"
)

// Config defines runtime configuration for the token codec.
//
// TTLs and clock skew are environment-driven so deployments can tune
// security parameters without code changes. Secrets are loaded separately
// through cmd/security/token and validated there.
type Config struct {
	// Issuer is the value set in the "iss" claim of every token.
	Issuer string

	// Per-kind lifetimes.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	EmailTTL   time.Duration

	// ClockSkew is the leeway applied to time-based claims during
	// verification. It never extends the signing-side expiry.
	ClockSkew time.Duration

	// Secrets holds the HMAC-SHA256 key per kind. All three must be present.
	Secrets map[sectoken.Kind][]byte
}

// DefaultConfig returns the default lifetimes. Secrets are not defaulted;
// they must come from the environment.
func DefaultConfig() Config {
	return Config{
		Issuer:     "gambit",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
		EmailTTL:   30 * time.Minute,
		ClockSkew:  0,
	}
}

// LoadConfigFromEnv loads codec configuration from environment variables.
//
// Required:
//   - GAMBIT_JWT_ACCESS_SECRET
//   - GAMBIT_JWT_REFRESH_SECRET
//   - GAMBIT_JWT_EMAIL_SECRET
//
// Optional (durations must be valid Go duration strings):
//   - GAMBIT_AUTH_ISSUER
//   - GAMBIT_AUTH_ACCESS_TTL
//   - GAMBIT_AUTH_REFRESH_TTL
//   - GAMBIT_AUTH_EMAIL_TTL
//   - GAMBIT_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("GAMBIT_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("GAMBIT_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTTL = d
	}

	if v := os.Getenv("GAMBIT_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTTL = d
	}

	if v := os.Getenv("GAMBIT_AUTH_EMAIL_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.EmailTTL = d
	}

	if v := os.Getenv("GAMBIT_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	// Access tokens must stay shorter-lived than refresh tokens.
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return Config{}, ErrConfig
	}

	secrets, err := sectoken.AllSecretsFromEnv()
	if err != nil {
		return Config{}, ErrConfig
	}
	cfg.Secrets = secrets

	return cfg, nil
}

func (c Config) ttlFor(kind sectoken.Kind) time.Duration {
	switch kind {
	case sectoken.KindAccess:
		return c.AccessTTL
	case sectoken.KindRefresh:
		return c.RefreshTTL
	case sectoken.KindEmail:
		return c.EmailTTL
	default:
		return 0
	}
}
