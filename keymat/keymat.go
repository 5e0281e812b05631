// Package keymat derives RSA key material deterministically from seed
// bytes. The mapping from seed to key is fixed: the seed feeds a
// counter-mode SHA-256 byte stream which drives the prime search, so the
// same seed always produces the same key.
package keymat

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/keymint/keyforge/drbg"
	"github.com/keymint/keyforge/internal/rsagen"
)

// DefaultBits is the modulus size used when a Deriver is built with no
// explicit size.
const DefaultBits = 2048

var ErrDerivationFailed = errors.New("keymat: derivation failed")

// KeyMaterial is the JWK interchange form of a derived RSA private key.
// All fields are base64url-encoded as mandated for JWKs.
type KeyMaterial struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	Dp  string `json:"dp"`
	Dq  string `json:"dq"`
	Qi  string `json:"qi"`
}

// missingFields lists the required JWK members that are empty.
func (km *KeyMaterial) missingFields() []string {
	var missing []string

	for _, f := range []struct {
		name  string
		value string
	}{
		{"kty", km.Kty},
		{"n", km.N},
		{"e", km.E},
		{"d", km.D},
		{"p", km.P},
		{"q", km.Q},
		{"dp", km.Dp},
		{"dq", km.Dq},
		{"qi", km.Qi},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}

	return missing
}

// Key reconstructs the RSA private key from the interchange form.
func (km *KeyMaterial) Key() (*rsa.PrivateKey, error) {
	raw, err := json.Marshal(km)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key material: %w", err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("failed to parse key material as JWK: %w", err)
	}

	key, ok := jwk.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key material is not an RSA private key")
	}

	return key, nil
}

// ModulusBits reports the bit length of the modulus, or 0 when the
// material cannot be parsed.
func (km *KeyMaterial) ModulusBits() int {
	key, err := km.Key()
	if err != nil {
		return 0
	}

	return key.N.BitLen()
}

// PublicJWKS renders the public half as a JWK set, suitable for serving at
// a well-known endpoint. kid identifies the key within the set.
func (km *KeyMaterial) PublicJWKS(kid string) (*jose.JSONWebKeySet, error) {
	key, err := km.Key()
	if err != nil {
		return nil, err
	}

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Algorithm: string(jose.RS256),
				Key:       key.Public(),
				KeyID:     kid,
				Use:       "sig",
			},
		},
	}, nil
}

// FromKey converts an RSA private key into the interchange form.
func FromKey(key *rsa.PrivateKey) (*KeyMaterial, error) {
	jwk := jose.JSONWebKey{Key: key}

	raw, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key as JWK: %w", err)
	}

	var km KeyMaterial
	if err := json.Unmarshal(raw, &km); err != nil {
		return nil, fmt.Errorf("failed to decode JWK fields: %w", err)
	}

	return &km, nil
}

// Deriver produces KeyMaterial from seeds at a fixed modulus size.
type Deriver struct {
	bits int
}

func NewDeriver(bits int) (*Deriver, error) {
	if bits == 0 {
		bits = DefaultBits
	}

	if bits < rsagen.MinBits {
		return nil, fmt.Errorf("keymat: modulus size %d below minimum %d", bits, rsagen.MinBits)
	}

	return &Deriver{bits: bits}, nil
}

// Bits reports the modulus size this deriver produces.
func (d *Deriver) Bits() int {
	return d.bits
}

// KeyFromSeed derives the raw RSA private key from the seed. Seed
// validation errors surface as drbg.ErrInvalidSeed; anything that fails
// after validation is wrapped in ErrDerivationFailed.
func (d *Deriver) KeyFromSeed(seed []byte) (*rsa.PrivateKey, error) {
	gen, err := drbg.New(seed)
	if err != nil {
		return nil, err
	}

	key, err := rsagen.Deterministic(d.bits, gen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}

	return key, nil
}

// GenerateFromSeed derives key material from the seed. Deterministic: the
// same seed yields byte-identical material across calls and processes.
func (d *Deriver) GenerateFromSeed(seed []byte) (*KeyMaterial, error) {
	key, err := d.KeyFromSeed(seed)
	if err != nil {
		return nil, err
	}

	km, err := FromKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}

	return km, nil
}
