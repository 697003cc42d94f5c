package devices

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv("DEVICE_TOKEN_SECRET", "test-secret")
	svc, err := NewTokenService()
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	tok, err := svc.Issue("pixel-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := svc.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "pixel-7" {
		t.Fatalf("device: want=%q got=%q", "pixel-7", got)
	}
}

func TestTokenRejectsTamperedSignature(t *testing.T) {
	t.Setenv("DEVICE_TOKEN_SECRET", "test-secret")
	svc, err := NewTokenService()
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	tok, err := svc.Issue("pixel-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("token parts: want=3 got=%d", len(parts))
	}
	forged := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := svc.Verify(forged); err == nil {
		t.Fatalf("forged token verified")
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	t.Setenv("DEVICE_TOKEN_SECRET", "secret-a")
	issuerSvc, err := NewTokenService()
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	tok, err := issuerSvc.Issue("pixel-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	t.Setenv("DEVICE_TOKEN_SECRET", "secret-b")
	verifierSvc, err := NewTokenService()
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if _, err := verifierSvc.Verify(tok); err == nil {
		t.Fatalf("cross-secret token verified")
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("DEVICE_TOKEN_SECRET", "")
	if _, err := NewTokenService(); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

func TestSealedRoundTrip(t *testing.T) {
	pubHex, privHex, err := GenerateEnvelopeKeys()
	if err != nil {
		t.Fatalf("GenerateEnvelopeKeys: %v", err)
	}
	t.Setenv("SEALED_BOX_PUBLIC_KEY", pubHex)
	t.Setenv("SEALED_BOX_PRIVATE_KEY", privHex)

	env, err := NewEnvelopeFromEnv()
	if err != nil {
		t.Fatalf("NewEnvelopeFromEnv: %v", err)
	}
	if env == nil {
		t.Fatalf("envelope not configured")
	}

	pub, err := decodeKey(pubHex)
	if err != nil {
		t.Fatalf("decodeKey: %v", err)
	}
	sealed, err := Seal([]byte("frame bytes"), pub)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	plain, ok := env.Unseal(sealed)
	if !ok {
		t.Fatalf("Unseal failed")
	}
	if string(plain) != "frame bytes" {
		t.Fatalf("plaintext: want=%q got=%q", "frame bytes", plain)
	}

	if _, ok := env.Unseal([]byte("not a sealed box")); ok {
		t.Fatalf("garbage unsealed")
	}
}

func TestEnvelopeUnconfigured(t *testing.T) {
	t.Setenv("SEALED_BOX_PUBLIC_KEY", "")
	t.Setenv("SEALED_BOX_PRIVATE_KEY", "")
	env, err := NewEnvelopeFromEnv()
	if err != nil {
		t.Fatalf("NewEnvelopeFromEnv: %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil envelope when keys absent")
	}
}
