// Package keyhash provides one-way hashing of device secret keys.
//
// A device key is never stored in the clear. The registry keeps only the
// SHA-256 digest; the key itself lives on the device.
package keyhash

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// KeyLength is the length in characters of a generated device key.
// Matches the 64-hex-character keys devices generate on first boot.
const KeyLength = 64

// Digest returns the lowercase hex SHA-256 digest of a secret key.
// Deterministic: the same input always produces the same output.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewKey generates a random device key of KeyLength hex characters.
func NewKey() (string, error) {
	buf := make([]byte, KeyLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate device key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
