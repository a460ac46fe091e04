package token

import (
	"os"
	"strings"
)

// Kind identifies one of the three signed token families.
// Each kind has an independent secret; a token signed for one kind
// must never verify under another.
type Kind string

const (
	// KindAccess is the short-lived stateless identity token.
	KindAccess Kind = "access"
	// KindRefresh is the long-lived, server-persisted, device-bound token.
	KindRefresh Kind = "refresh"
	// KindEmail is the email-confirmation token.
	KindEmail Kind = "email"
)

// Env var per kind.
const (
	AccessSecretEnvKey  = "GAMBIT_JWT_ACCESS_SECRET"  // #nosec G101 -- env var name, not a credential.
	RefreshSecretEnvKey = "GAMBIT_JWT_REFRESH_SECRET" // #nosec G101
	EmailSecretEnvKey   = "GAMBIT_JWT_EMAIL_SECRET"   // #nosec G101
)

// MinSecretBytes is the minimum accepted secret length for HMAC-SHA256.
const MinSecretBytes = 32

// EnvKeyFor returns the environment variable name holding the secret for kind.
func EnvKeyFor(kind Kind) (string, error) {
	switch kind {
	case KindAccess:
		return AccessSecretEnvKey, nil
	case KindRefresh:
		return RefreshSecretEnvKey, nil
	case KindEmail:
		return EmailSecretEnvKey, nil
	default:
		return "", ErrUnknownKind
	}
}

// SecretFromEnv returns the configured secret bytes for kind (trimmed),
// enforcing the minimum byte length.
// If the env var is missing/blank -> ErrSecretMissing.
// If too short -> ErrSecretTooShort.
func SecretFromEnv(kind Kind) ([]byte, error) {
	key, err := EnvKeyFor(kind)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, ErrSecretMissing
	}
	b := []byte(raw)
	if len(b) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	return b, nil
}

// AllSecretsFromEnv loads all three kinds, failing on the first invalid one.
// The returned map has exactly the three kinds as keys on success.
func AllSecretsFromEnv() (map[Kind][]byte, error) {
	out := make(map[Kind][]byte, 3)
	for _, k := range []Kind{KindAccess, KindRefresh, KindEmail} {
		b, err := SecretFromEnv(k)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}
