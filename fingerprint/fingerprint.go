// Package fingerprint identifies seed sources by hash. Cache keys are
// fingerprints of the normalized source string, never the derived seed, so
// a cache key cannot be reversed into key material without recomputation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

type Fingerprint [sha256.Size]byte

func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) String() string {
	return f.Hex()
}

// For returns the fingerprint of a seed source. The source is trimmed
// before hashing so that surrounding whitespace does not split cache
// entries for the same logical input.
func For(seedSource string) Fingerprint {
	return sha256.Sum256([]byte(strings.TrimSpace(seedSource)))
}

// Decode parses the lowercase hex form produced by Hex.
func Decode(in string) (Fingerprint, error) {
	raw, err := hex.DecodeString(in)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint encoding: %w", err)
	}

	if len(raw) != sha256.Size {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint length %d", len(raw))
	}

	var f Fingerprint
	copy(f[:], raw)

	return f, nil
}
