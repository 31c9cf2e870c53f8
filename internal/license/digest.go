package license

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Digest returns the sha256 of the RFC 8785 canonical JSON form of v.
// Equal verdicts always produce equal digests, which lets history entries
// and audit logs refer to a result without storing it twice.
func Digest(v Verdict) (string, error) {
	raw, err := json.Marshal(v.clone())
	if err != nil {
		return "", fmt.Errorf("marshal verdict: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize verdict: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
