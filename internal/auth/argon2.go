package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Default Argon2id parameters used by HashArgon2id.
const (
	Argon2Memory      = 64 * 1024
	Argon2Iterations  = 1
	Argon2Parallelism = 4
	argon2SaltLength  = 16
	argon2KeyLength   = 32
)

type argon2Verifier struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// parseArgon2id parses a "$argon2id$v=19$m=...,t=...,p=...$salt$hash" string.
func parseArgon2id(encoded string) (*argon2Verifier, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid argon2 hash format")
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("unsupported argon2 variant: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("unsupported argon2 version")
	}
	v := &argon2Verifier{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &v.memory, &v.iterations, &v.parallelism); err != nil {
		return nil, fmt.Errorf("failed to parse argon2 params: %w", err)
	}
	var err error
	if v.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if v.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("failed to decode hash: %w", err)
	}
	if len(v.hash) == 0 {
		return nil, fmt.Errorf("empty argon2 hash")
	}
	return v, nil
}

func (v *argon2Verifier) verify(secret string) bool {
	candidate := argon2.IDKey([]byte(secret), v.salt, v.iterations, v.memory, v.parallelism, uint32(len(v.hash)))
	return subtle.ConstantTimeCompare(v.hash, candidate) == 1
}

// HashArgon2id returns an encoded Argon2id hash of secret with a fresh random salt.
func HashArgon2id(secret string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("creating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, Argon2Iterations, Argon2Memory, Argon2Parallelism, argon2KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, Argon2Memory, Argon2Iterations, Argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}
