package keymat

import (
	"fmt"

	"github.com/keymint/keyforge/drbg"
	"github.com/keymint/keyforge/internal/rsagen"
)

// ReferenceGenerator is an external generator used to cross-check the
// deriver. Implementations must be deterministic in the seed.
type ReferenceGenerator interface {
	GenerateFromSeed(seed []byte) (*KeyMaterial, error)
}

// ChaChaReference is the default reference generator: RSA keys derived via
// a ChaCha8 stream from the first 32 seed bytes.
type ChaChaReference struct {
	Bits int
}

func (r ChaChaReference) GenerateFromSeed(seed []byte) (*KeyMaterial, error) {
	if len(seed) < drbg.MinSeedLen {
		return nil, drbg.ErrInvalidSeed
	}

	bits := r.Bits
	if bits == 0 {
		bits = DefaultBits
	}

	var chachaSeed [32]byte
	copy(chachaSeed[:], seed)

	key, err := rsagen.ChaCha(bits, chachaSeed)
	if err != nil {
		return nil, fmt.Errorf("reference generation failed: %w", err)
	}

	return FromKey(key)
}

// Compatibility is the outcome of a structural cross-check between the
// deriver and a reference generator. The check is structural rather than
// byte-exact: a reference generator's padding or candidate search may
// legitimately differ while still producing interoperable material.
type Compatibility struct {
	Compatible bool `json:"compatible"`

	DerivedKty   string `json:"derivedKty"`
	ReferenceKty string `json:"referenceKty"`

	DerivedModulusBits   int `json:"derivedModulusBits"`
	ReferenceModulusBits int `json:"referenceModulusBits"`

	Issues []string `json:"issues,omitempty"`
}

// ValidateCompatibility derives a key via this deriver and via ref from
// the same seed, then checks required-field presence, key type, and
// modulus bit length.
func (d *Deriver) ValidateCompatibility(seed []byte, ref ReferenceGenerator) (*Compatibility, error) {
	derived, err := d.GenerateFromSeed(seed)
	if err != nil {
		return nil, err
	}

	reference, err := ref.GenerateFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: reference generator: %w", ErrDerivationFailed, err)
	}

	report := &Compatibility{
		DerivedKty:           derived.Kty,
		ReferenceKty:         reference.Kty,
		DerivedModulusBits:   derived.ModulusBits(),
		ReferenceModulusBits: reference.ModulusBits(),
	}

	if missing := derived.missingFields(); len(missing) > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("derived key is missing fields %v", missing))
	}

	if missing := reference.missingFields(); len(missing) > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("reference key is missing fields %v", missing))
	}

	if derived.Kty != "RSA" {
		report.Issues = append(report.Issues, fmt.Sprintf("derived key type is %q, want RSA", derived.Kty))
	}

	if reference.Kty != "RSA" {
		report.Issues = append(report.Issues, fmt.Sprintf("reference key type is %q, want RSA", reference.Kty))
	}

	if report.DerivedModulusBits != report.ReferenceModulusBits {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"modulus bit length mismatch: derived %d, reference %d",
			report.DerivedModulusBits, report.ReferenceModulusBits,
		))
	}

	report.Compatible = len(report.Issues) == 0

	return report, nil
}
