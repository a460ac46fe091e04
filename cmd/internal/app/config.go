package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy: if true, all three token secrets MUST be present
	// (>= 32 bytes each) even when the DB is disabled.
	RequireTokenSecrets bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Gate route classes. Health surfaces and the session endpoints default
	// to open (one path serves both the anonymous login POST and the
	// authenticated session list, so the handlers check credentials);
	// registration, email confirmation, and the landing pages default to
	// public-only so a signed-in user bounces home.
	GateOpen       []string
	GatePublicOnly []string
	GateHome       string
	GateLanding    string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("GAMBIT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("GAMBIT_LOG_LEVEL", "info"),
		LogFormat: EnvString("GAMBIT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("GAMBIT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("GAMBIT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("GAMBIT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("GAMBIT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("GAMBIT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("GAMBIT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("GAMBIT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("GAMBIT_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("GAMBIT_READINESS_REQUIRE_DB", false),

		RequireTokenSecrets: EnvBool("GAMBIT_REQUIRE_TOKEN_SECRETS", false),

		CORSAllowedOrigins:   EnvCSV("GAMBIT_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"),
		CORSAllowCredentials: EnvBool("GAMBIT_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("GAMBIT_CORS_MAX_AGE_SECONDS", 600),

		GateOpen: EnvCSV("GAMBIT_GATE_OPEN",
			"/healthz,/readyz,/metrics,/ws,/sessions,/sessions/"),
		GatePublicOnly: EnvCSV("GAMBIT_GATE_PUBLIC_ONLY",
			"/login,/register,/users,/email-verifications"),
		GateHome:       EnvString("GAMBIT_GATE_HOME", "/"),
		GateLanding:    EnvString("GAMBIT_GATE_LANDING", "/login"),
	}
}
