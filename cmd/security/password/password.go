package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// phc is a parsed "$argon2id$v=19$m=..,t=..,p=..$<salt>$<key>" string. Only
// the argon2id variant at the library's current version is accepted.
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (p phc) encode() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.params.MemoryKiB, p.params.Iterations, p.params.Parallelism,
		b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

func parsePHC(s string) (phc, error) {
	fields := strings.Split(s, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return phc{}, ErrInvalidHash
	}

	var mem, iter, par uint32
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return phc{}, ErrInvalidHash
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(fields[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(fields[5])
	if err != nil {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   mem,
			Iterations:  iter,
			Parallelism: uint8(par), // #nosec G115 -- par <= 255 checked above.
			SaltLength:  uint32(len(salt)),
			KeyLength:   uint32(len(key)),
		},
		salt: salt,
		key:  key,
	}, nil
}

func derive(password string, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)
}

// Hash derives an Argon2id key for password under c.Params and returns it
// PHC-encoded with a fresh random salt.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	h := phc{
		params: c.Params,
		salt:   salt,
		key:    derive(password, salt, c.Params),
	}
	return h.encode(), nil
}

// Verify reports whether password matches encodedHash. (false, nil) is a
// clean mismatch; ErrInvalidHash covers malformed or out-of-bounds hashes.
// The stored hash is untrusted input, so its cost parameters are checked
// against c.Params before any derivation runs.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if !c.acceptsParams(h.params) {
		return false, ErrInvalidHash
	}

	got := derive(password, h.salt, h.params)
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// acceptsParams bounds the cost a stored hash may demand at verify time.
// Hashes written under older, cheaper settings stay verifiable; anything past
// twice the configured cost is refused.
func (c Config) acceptsParams(p Argon2idParams) bool {
	switch {
	case p.MemoryKiB > c.Params.MemoryKiB*2,
		p.Iterations > c.Params.Iterations*2,
		p.Parallelism > c.Params.Parallelism*2,
		p.SaltLength < 8 || p.SaltLength > 64,
		p.KeyLength < 16 || p.KeyLength > 128:
		return false
	}
	return true
}
