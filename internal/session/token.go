package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewSessionToken generates a session access token and its stored hash.
// The token is 32 random bytes hex-encoded; only the sha-256 of the token
// string is persisted, so a lost token cannot be recovered.
func NewSessionToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token = "0x" + hex.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken returns the hex sha-256 of a token string.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenMatches compares a presented token against the stored hash in
// constant time.
func TokenMatches(token, storedHash string) bool {
	presented := HashToken(token)
	// hex-decode both sides so length mismatches cannot leak timing
	a, errA := hex.DecodeString(presented)
	b, errB := hex.DecodeString(strings.ToLower(storedHash))
	if errA != nil || errB != nil || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
