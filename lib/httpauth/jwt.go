package httpauth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTSignerConfig configures the symmetric key used to sign short-lived
// authorization-base tokens handed to notification receivers (C10). The
// receiver verifies the token offline against the same shared secret
// rather than calling back to the sender.
type JWTSignerConfig struct {
	// SigningKey is the HMAC secret shared out-of-band with receivers.
	SigningKey string `koanf:"signingkey"`
	// Validity is how long a minted token remains valid. Defaults to 5
	// minutes if zero.
	Validity time.Duration `koanf:"validity"`
}

func (c JWTSignerConfig) IsConfigured() bool {
	return c.SigningKey != ""
}

// JWTSigner mints compact, HMAC-signed JWTs carrying just enough claims
// for a receiver to tie a pulled Task back to the sender and group that
// requested it.
type JWTSigner struct {
	key      []byte
	validity time.Duration
}

// NewJWTSigner builds a signer from config, or returns nil (not an
// error) when no signing key is configured, so callers can fall back to
// an opaque random token.
func NewJWTSigner(config JWTSignerConfig) *JWTSigner {
	if !config.IsConfigured() {
		return nil
	}
	validity := config.Validity
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	return &JWTSigner{key: []byte(config.SigningKey), validity: validity}
}

// Sign mints a compact JWT with issuer/subject set to senderSystemID and
// groupID, so a receiver holding the shared secret can verify both the
// signature and that the token was minted for this notification group.
func (s *JWTSigner) Sign(senderSystemID, groupID string) (string, error) {
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("generate jwt id: %w", err)
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(senderSystemID).
		Subject(groupID).
		IssuedAt(now).
		Expiration(now.Add(s.validity)).
		JwtID(fmt.Sprintf("%x", jti)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build jwt: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return string(signed), nil
}
