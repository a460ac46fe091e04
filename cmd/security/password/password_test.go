package password

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"
)

func TestHashAndVerify_OK(t *testing.T) {
	cfg := DefaultConfig()

	h, err := cfg.Hash("this is a strong password 123!")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := cfg.Verify(h, "this is a strong password 123!")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}
}

func TestVerify_WrongPassword(t *testing.T) {
	cfg := DefaultConfig()

	h, err := cfg.Hash("this is a strong password 123!")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := cfg.Verify(h, "wrong password")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch")
	}
}

func TestValidate_MinMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MinLength = 12
	cfg.Policy.MaxLength = 16

	if err := cfg.Validate("short"); err != ErrPasswordTooShort {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}

	if err := cfg.Validate("this password is definitely too long"); err != ErrPasswordTooLong {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}

	if err := cfg.Validate("goodpassw0rd!"); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestVerify_AcceptsCheaperLegacyHash(t *testing.T) {
	old := DefaultConfig()
	old.Params.MemoryKiB = 16 * 1024
	old.Params.Iterations = 1

	h, err := old.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := DefaultConfig().Verify(h, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !ok {
		t.Fatalf("hash with cheaper legacy params must keep verifying")
	}
}

func TestVerify_RefusesOversizedCost(t *testing.T) {
	cfg := DefaultConfig()

	// Well-formed hash demanding four times the configured memory.
	enc := fmt.Sprintf("$argon2id$v=19$m=%d,t=3,p=1$%s$%s",
		cfg.Params.MemoryKiB*4,
		base64.RawStdEncoding.EncodeToString(make([]byte, 16)),
		base64.RawStdEncoding.EncodeToString(make([]byte, 32)))

	ok, err := cfg.Verify(enc, "whatever")
	if err != ErrInvalidHash {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if ok {
		t.Fatalf("expected false")
	}
}

func TestParsePHC_RoundTrip(t *testing.T) {
	in := phc{
		params: Argon2idParams{MemoryKiB: 32 * 1024, Iterations: 2, Parallelism: 2, SaltLength: 16, KeyLength: 32},
		salt:   bytes.Repeat([]byte{0xAB}, 16),
		key:    bytes.Repeat([]byte{0xCD}, 32),
	}

	out, err := parsePHC(in.encode())
	if err != nil {
		t.Fatalf("parsePHC error: %v", err)
	}
	if out.params != in.params {
		t.Fatalf("params mismatch: got %+v want %+v", out.params, in.params)
	}
	if !bytes.Equal(out.salt, in.salt) || !bytes.Equal(out.key, in.key) {
		t.Fatalf("salt/key mismatch after round trip")
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	cfg := DefaultConfig()

	ok, err := cfg.Verify("not-a-hash", "whatever")
	if err != ErrInvalidHash {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if ok {
		t.Fatalf("expected false")
	}
}

func TestPolicy_RejectVeryWeak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.RejectVeryWeak = true
	cfg.Policy.MinLength = 8

	if err := cfg.Validate("password"); err != ErrWeakPassword {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := cfg.Validate("11111111"); err != ErrWeakPassword {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := cfg.Validate("a-very-ok-pass"); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}
