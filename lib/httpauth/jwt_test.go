package httpauth

import (
	"strings"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func TestNewJWTSigner_NilWhenUnconfigured(t *testing.T) {
	if NewJWTSigner(JWTSignerConfig{}) != nil {
		t.Fatal("expected nil signer for an unconfigured key")
	}
}

func TestJWTSigner_SignProducesVerifiableToken(t *testing.T) {
	signer := NewJWTSigner(JWTSignerConfig{SigningKey: "shared-secret"})
	if signer == nil {
		t.Fatal("expected a configured signer")
	}

	token, err := signer.Sign("sender-system-1", "group-1")
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a compact JWT (2 dots), got %q", token)
	}

	parsed, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256, []byte("shared-secret")))
	if err != nil {
		t.Fatalf("token should verify against the signing key: %v", err)
	}
	if parsed.Issuer() != "sender-system-1" {
		t.Errorf("issuer = %q, want sender-system-1", parsed.Issuer())
	}
	if parsed.Subject() != "group-1" {
		t.Errorf("subject = %q, want group-1", parsed.Subject())
	}
}

func TestJWTSigner_RejectsWrongKey(t *testing.T) {
	signer := NewJWTSigner(JWTSignerConfig{SigningKey: "shared-secret"})
	token, err := signer.Sign("sender-system-1", "group-1")
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	if _, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256, []byte("wrong-secret"))); err == nil {
		t.Fatal("expected verification to fail against the wrong key")
	}
}
