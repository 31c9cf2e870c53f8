// Package idgen generates identifiers for sessions, records and keys.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string. Anonymous session tokens use it.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars, e.g. "scan_…", "sub_…", "acct_…".
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

// IsSessionID reports whether s looks like a token New produced.
func IsSessionID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}
