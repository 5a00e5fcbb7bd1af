package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierLength is the number of random bytes behind a PKCE verifier.
// 32 bytes encode to 43 characters, the RFC 7636 minimum.
const verifierLength = 32

// stateLength is the number of random bytes behind the CSRF state.
const stateLength = 16

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() (string, error) {
	return randomString(verifierLength)
}

// DeriveChallenge returns the S256 code challenge for verifier.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a fresh CSRF state value.
func GenerateState() (string, error) {
	return randomString(stateLength)
}
