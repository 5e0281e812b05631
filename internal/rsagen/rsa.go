// Package rsagen generates RSA private keys from deterministic entropy
// sources.
package rsagen

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	rand2 "math/rand/v2"
)

// MinBits is the smallest modulus size Deterministic will produce.
const MinBits = 1024

// millerRabinRounds matches the confidence level crypto/rand.Prime uses.
const millerRabinRounds = 20

const publicExponent = 65537

var bigOne = big.NewInt(1)

// Deterministic returns an RSA key generated by drawing all candidate
// bytes from rand. For a deterministic reader the resulting key is fully
// determined by the reader's stream and the modulus size.
//
// crypto/rsa.GenerateKey deliberately consumes a random number of bytes
// from its reader (randutil.MaybeReadByte), so the prime search lives in
// this package: every candidate byte comes from rand and the stream-to-key
// mapping never shifts.
func Deterministic(bits int, rand io.Reader) (*rsa.PrivateKey, error) {
	if bits < MinBits {
		return nil, fmt.Errorf("rsagen: modulus size %d below minimum %d", bits, MinBits)
	}

	key, err := generateKey(rand, bits)
	if err != nil {
		return nil, fmt.Errorf("rsagen: key generation failed: %w", err)
	}

	return key, nil
}

// generateKey is the standard two-prime RSA construction with rejection
// sampling for the primes, reading candidates strictly in stream order.
func generateKey(random io.Reader, bits int) (*rsa.PrivateKey, error) {
	pBits := bits / 2
	qBits := bits - pBits

	e := big.NewInt(publicExponent)

	for {
		p, err := prime(random, pBits)
		if err != nil {
			return nil, err
		}

		q, err := prime(random, qBits)
		if err != nil {
			return nil, err
		}

		if p.Cmp(q) == 0 {
			continue
		}

		n := new(big.Int).Mul(p, q)
		if n.BitLen() != bits {
			continue
		}

		pMinus1 := new(big.Int).Sub(p, bigOne)
		qMinus1 := new(big.Int).Sub(q, bigOne)
		totient := new(big.Int).Mul(pMinus1, qMinus1)

		// e must be invertible mod the totient for d to exist
		d := new(big.Int)
		if d.ModInverse(e, totient) == nil {
			continue
		}

		key := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{
				N: n,
				E: publicExponent,
			},
			D:      d,
			Primes: []*big.Int{p, q},
		}
		key.Precompute()

		return key, nil
	}
}

// prime rejection-samples candidates of exactly bits length from random
// until one passes Miller-Rabin.
func prime(random io.Reader, bits int) (*big.Int, error) {
	if bits < 2 {
		return nil, errors.New("rsagen: prime size must be at least 2 bits")
	}

	// bits of the most significant byte that are in use
	b := uint(bits % 8)
	if b == 0 {
		b = 8
	}

	raw := make([]byte, (bits+7)/8)
	p := new(big.Int)

	for {
		if _, err := io.ReadFull(random, raw); err != nil {
			return nil, fmt.Errorf("rsagen: reading prime candidate: %w", err)
		}

		// Clear bits above the requested size, then force the top two bits
		// so the product of two such primes always reaches the full modulus
		// length, and the bottom bit so the candidate is odd.
		raw[0] &= uint8(int(1<<b) - 1)
		if b >= 2 {
			raw[0] |= 3 << (b - 2)
		} else {
			raw[0] |= 1
			if len(raw) > 1 {
				raw[1] |= 0x80
			}
		}
		raw[len(raw)-1] |= 1

		p.SetBytes(raw)
		if p.ProbablyPrime(millerRabinRounds) {
			return p, nil
		}
	}
}

// ChaCha returns a deterministic RSA key from the given seed using the
// ChaCha8 algorithm as a cryptographic key derivation function.
// This uses `math/rand/v2.NewChaCha8` which is [documented](https://pkg.go.dev/math/rand/v2#ChaCha8)
// to be cryptographically secure, and has [tests](https://cs.opensource.google/go/go/+/refs/tags/go1.23.2:src/internal/chacha8rand/rand_test.go;l=102)
// to ensure that its output is deterministic.
// The seed must be kept secret, as must the returned key.
func ChaCha(bits int, seed [32]byte) (*rsa.PrivateKey, error) {
	rand := rand2.NewChaCha8(seed)

	return Deterministic(bits, rand)
}
