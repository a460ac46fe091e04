package app

import (
	"errors"
	"fmt"

	sectoken "gambit/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast is intentional: silently running without token secrets in
// production is unacceptable. Secrets are required whenever the DB is
// configured (auth is live), and unconditionally under
// GAMBIT_REQUIRE_TOKEN_SECRETS=true.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.DatabaseURL == "" && !cfg.RequireTokenSecrets {
		return nil
	}

	if _, err := sectoken.AllSecretsFromEnv(); err != nil {
		switch {
		case errors.Is(err, sectoken.ErrSecretMissing):
			return fmt.Errorf("security policy: token secret missing (%w); set %s, %s and %s",
				err, sectoken.AccessSecretEnvKey, sectoken.RefreshSecretEnvKey, sectoken.EmailSecretEnvKey)
		case errors.Is(err, sectoken.ErrSecretTooShort):
			return fmt.Errorf("security policy: token secret too short (%w); min %d bytes",
				err, sectoken.MinSecretBytes)
		default:
			return err
		}
	}

	return nil
}
