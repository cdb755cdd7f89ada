package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// KeyPrefix marks aweb secret keys.
	KeyPrefix = "aw_sk_"

	keyRandomBytes = 32 // 64 hex chars of randomness
	displayPrefix  = 12 // shown in listings, never used for lookup
)

// GenerateAPIKey creates a new API key. Returns the full plaintext key
// (shown once) and the SHA-256 hex digest for storage.
func GenerateAPIKey() (plaintext string, hash string, err error) {
	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = KeyPrefix + hex.EncodeToString(raw)
	return plaintext, HashKey(plaintext), nil
}

// KeyDisplayPrefix returns the short display form of a plaintext key.
func KeyDisplayPrefix(plaintext string) string {
	if len(plaintext) < displayPrefix {
		return plaintext
	}
	return plaintext[:displayPrefix]
}

// HashKey returns the SHA-256 hex digest of a key string.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
