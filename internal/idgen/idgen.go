// Package idgen generates identifiers for orders, escrow transactions and
// outbound events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for non-order identifiers.
const (
	PrefixTransaction  = "etx_"
	PrefixNotification = "ntf_"
	PrefixAPIKey       = "key_"
	PrefixRequest      = "req_"
)

// New returns a random (version 4) UUID string. Orders use these.
func New() string {
	return uuid.NewString()
}

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// WithPrefix generates a random ID with a prefix (e.g. "etx_", "ntf_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
