package keymat

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"

	"filippo.io/keygen"

	"github.com/keymint/keyforge/drbg"
)

// signingTag domain-separates ECDSA signing keys from the RSA derivation
// stream: both start from the same seed but may never share hash input.
const signingTag = "keyforge/signing/v1"

// SigningKey derives a deterministic P-256 signing key from the seed. It
// is intended for lightweight signing (e.g. ES256 JWTs) where an RSA key
// would be overkill.
func SigningKey(seed []byte) (*ecdsa.PrivateKey, error) {
	if len(seed) < drbg.MinSeedLen {
		return nil, drbg.ErrInvalidSeed
	}

	h := sha256.New()

	// hash.Hash is documented to never return an error
	_, _ = h.Write(seed)
	_, _ = h.Write([]byte(signingTag))

	pk, err := keygen.ECDSA(elliptic.P256(), h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return pk, nil
}
