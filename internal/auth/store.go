// Package auth implements the proxy's credential store and Basic proxy authentication.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrMissingCredentials is returned when no Proxy-Authorization header was sent.
	ErrMissingCredentials = errors.New("missing proxy credentials")
	// ErrMalformedCredentials is returned when the header is not a valid Basic credential.
	ErrMalformedCredentials = errors.New("malformed proxy credentials")
	// ErrInvalidCredentials is returned when the identity or secret does not match.
	ErrInvalidCredentials = errors.New("invalid proxy credentials")
)

// Credential is one accepted client identity. Secret is plaintext, an
// Argon2id hash ("$argon2id$...") or a bcrypt hash ("$2a$", "$2b$", "$2y$").
type Credential struct {
	Identity string
	Secret   string
}

type verifier interface {
	verify(secret string) bool
}

// Store is an immutable set of credentials. It is safe for concurrent use.
type Store struct {
	users map[string]verifier
	dummy verifier
}

// NewStore builds a store from the given credentials. Identities must be unique
// and non-empty. An empty list yields a store with authentication disabled.
func NewStore(creds []Credential) (*Store, error) {
	s := &Store{users: make(map[string]verifier, len(creds))}
	for i, c := range creds {
		if c.Identity == "" {
			return nil, fmt.Errorf("credential at index %d has an empty identity", i)
		}
		if strings.Contains(c.Identity, ":") {
			return nil, fmt.Errorf("identity '%s' must not contain ':'", c.Identity)
		}
		if _, dup := s.users[c.Identity]; dup {
			return nil, fmt.Errorf("identity '%s' is defined more than once", c.Identity)
		}
		v, err := newVerifier(c.Secret)
		if err != nil {
			return nil, fmt.Errorf("credential for '%s': %w", c.Identity, err)
		}
		s.users[c.Identity] = v
		if s.dummy == nil {
			if s.dummy, err = dummyLike(v); err != nil {
				return nil, err
			}
		}
	}
	if s.dummy == nil {
		s.dummy = newPlainVerifier(randomSecret())
	}
	return s, nil
}

// dummyLike returns a verifier for a random secret that costs as much to
// check as v, so unknown identities take as long as known ones. Plaintext
// entries do not fix the scheme; a later hashed entry may still.
func dummyLike(v verifier) (verifier, error) {
	switch v := v.(type) {
	case *argon2Verifier:
		return &argon2Verifier{
			memory:      v.memory,
			iterations:  v.iterations,
			parallelism: v.parallelism,
			salt:        randomBytes(len(v.salt)),
			hash:        randomBytes(len(v.hash)),
		}, nil
	case bcryptVerifier:
		cost, err := bcrypt.Cost([]byte(v))
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(randomSecret()), cost)
		if err != nil {
			return nil, fmt.Errorf("creating dummy bcrypt hash: %w", err)
		}
		return bcryptVerifier(hash), nil
	default:
		return nil, nil
	}
}

// Enabled reports whether requests must authenticate.
func (s *Store) Enabled() bool { return s != nil && len(s.users) > 0 }

// Len returns the number of identities in the store.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.users)
}

// Verify reports whether identity exists and secret matches it. Unknown
// identities are still checked against a dummy secret.
func (s *Store) Verify(identity, secret string) bool {
	v, ok := s.users[identity]
	if !ok {
		s.dummy.verify(secret)
		return false
	}
	return v.verify(secret)
}

// Authenticate checks a Proxy-Authorization header value and returns the
// authenticated identity. With authentication disabled it returns "" and nil.
func (s *Store) Authenticate(header string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if header == "" {
		return "", ErrMissingCredentials
	}
	user, pass, ok := ParseBasic(header)
	if !ok {
		return "", ErrMalformedCredentials
	}
	if !s.Verify(user, pass) {
		return user, ErrInvalidCredentials
	}
	return user, nil
}

// ParseBasic decodes a "Basic <base64(identity:secret)>" header value.
func ParseBasic(header string) (identity, secret string, ok bool) {
	scheme, payload, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", false
	}
	identity, secret, found = strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return identity, secret, true
}

func newVerifier(secret string) (verifier, error) {
	switch {
	case secret == "":
		return nil, errors.New("empty secret")
	case strings.HasPrefix(secret, "$argon2id$"):
		v, err := parseArgon2id(secret)
		if err != nil {
			return nil, err
		}
		return v, nil
	case strings.HasPrefix(secret, "$2a$"), strings.HasPrefix(secret, "$2b$"), strings.HasPrefix(secret, "$2y$"):
		if _, err := bcrypt.Cost([]byte(secret)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
		}
		return bcryptVerifier(secret), nil
	default:
		return newPlainVerifier(secret), nil
	}
}

// plainVerifier compares digests so neither the length nor the mismatch
// position of the secret shows up in timing.
type plainVerifier [sha256.Size]byte

func newPlainVerifier(secret string) plainVerifier {
	return plainVerifier(sha256.Sum256([]byte(secret)))
}

func (p plainVerifier) verify(secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(p[:], sum[:]) == 1
}

type bcryptVerifier string

func (b bcryptVerifier) verify(secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(b), []byte(secret)) == nil
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: cannot read random bytes: %v", err))
	}
	return buf
}

func randomSecret() string {
	return base64.RawStdEncoding.EncodeToString(randomBytes(32))
}
