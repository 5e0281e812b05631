// Package seedsource converts caller-supplied seed sources (mnemonics,
// pre-derived hex seeds) into the opaque seed bytes the derivation
// pipeline consumes. The derived seed, not the source, is the secret
// input; sources are only ever fingerprinted for cache keys.
package seedsource

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// SeedLen is the length of derived seeds in bytes.
const SeedLen = 64

// MinRawSeedLen is the minimum accepted pre-derived seed length.
const MinRawSeedLen = 32

// hkdfInfo domain-separates keyforge seeds from other uses of the same
// mnemonic (e.g. wallet derivation).
const hkdfInfo = "keyforge/seed/v1"

var (
	ErrInvalidMnemonic = errors.New("seedsource: invalid mnemonic")
	ErrEmptySource     = errors.New("seedsource: seed source is empty")
	ErrSeedTooShort    = errors.New("seedsource: seed must be at least 32 bytes")
)

// Deriver turns a seed source string into seed bytes. Implementations
// must be deterministic in the source.
type Deriver interface {
	DeriveSeed(source string) ([]byte, error)
}

// Mnemonic derives seeds from BIP-39 mnemonics. The bip39 seed is
// expanded through HKDF-SHA256 with a keyforge-specific info tag so the
// resulting bytes cannot collide with another protocol's use of the same
// mnemonic.
type Mnemonic struct {
	// Passphrase is the optional BIP-39 passphrase ("25th word").
	Passphrase string
}

var _ Deriver = Mnemonic{}

func (m Mnemonic) DeriveSeed(source string) ([]byte, error) {
	mnemonic := strings.TrimSpace(source)
	if mnemonic == "" {
		return nil, ErrEmptySource
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	return expand(bip39.NewSeed(mnemonic, m.Passphrase))
}

// Hex accepts a pre-derived seed as a hex string of at least 32 bytes and
// passes it through unchanged.
type Hex struct{}

var _ Deriver = Hex{}

func (Hex) DeriveSeed(source string) ([]byte, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, ErrEmptySource
	}

	seed, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("seedsource: invalid hex seed: %w", err)
	}

	if len(seed) < MinRawSeedLen {
		return nil, ErrSeedTooShort
	}

	return seed, nil
}

func expand(input []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, input, nil, []byte(hkdfInfo))

	seed := make([]byte, SeedLen)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("seedsource: seed expansion failed: %w", err)
	}

	return seed, nil
}
