package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMissingToken is returned when a secret token is configured but the request carries none.
	ErrMissingToken = errors.New("missing secret token")
	// ErrInvalidToken is returned when the presented digest does not match the secret token.
	ErrInvalidToken = errors.New("invalid secret token")
)

// SecretToken is a shared secret that clients prove by presenting the hex
// SHA-256 digest of it. A nil *SecretToken accepts every request.
type SecretToken struct {
	digest []byte
}

// NewSecretToken returns nil when secret is blank.
func NewSecretToken(secret string) *SecretToken {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(secret))
	return &SecretToken{digest: []byte(hex.EncodeToString(sum[:]))}
}

// Enabled reports whether requests must present the token.
func (t *SecretToken) Enabled() bool { return t != nil }

// Check verifies a presented digest. Hex case and surrounding space are ignored.
func (t *SecretToken) Check(presented string) error {
	if t == nil {
		return nil
	}
	presented = strings.ToLower(strings.TrimSpace(presented))
	if presented == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(presented), t.digest) != 1 {
		return ErrInvalidToken
	}
	return nil
}
