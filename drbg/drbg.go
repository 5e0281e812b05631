// Package drbg implements a counter-mode SHA-256 deterministic byte
// generator. A Generator produces one infinite byte stream per seed: the
// bytes returned are independent of how requests are chunked, so the same
// seed always yields the same stream regardless of caller read sizes.
package drbg

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// DomainTag is mixed into every block so that a seed reused by an
// unrelated construction cannot produce colliding output.
const DomainTag = "keyforge/drbg/v1"

// MinSeedLen is the minimum accepted seed length in bytes.
const MinSeedLen = 32

var (
	ErrInvalidSeed      = errors.New("drbg: seed must be at least 32 bytes")
	ErrCounterExhausted = errors.New("drbg: block counter exhausted, reseed required")
)

// Generator is a deterministic byte stream over a fixed seed. It is not
// safe for concurrent use; callers own one Generator per derivation.
type Generator struct {
	seed    []byte
	counter uint64

	// generated-but-unconsumed bytes
	buf []byte
	off int
}

var _ io.Reader = &Generator{}

// New returns a Generator for the given seed. The seed is copied, so later
// mutation by the caller cannot affect the stream.
func New(seed []byte) (*Generator, error) {
	if len(seed) < MinSeedLen {
		return nil, ErrInvalidSeed
	}

	return &Generator{
		seed: append([]byte(nil), seed...),
	}, nil
}

// GetRandomBytes returns the next n bytes of the stream.
func (g *Generator) GetRandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("drbg: negative byte count")
	}

	if g.off > 0 && len(g.buf)-g.off < n {
		// drop the consumed prefix before growing, otherwise the buffer
		// retains every byte ever drawn
		g.buf = g.buf[:copy(g.buf, g.buf[g.off:])]
		g.off = 0
	}

	for len(g.buf)-g.off < n {
		if g.counter == math.MaxUint64 {
			return nil, ErrCounterExhausted
		}

		block := g.block(g.counter)
		g.buf = append(g.buf, block[:]...)
		g.counter++
	}

	out := make([]byte, n)
	copy(out, g.buf[g.off:g.off+n])
	g.off += n

	if g.off == len(g.buf) {
		g.buf = g.buf[:0]
		g.off = 0
	}

	return out, nil
}

// Read implements io.Reader so the stream can drive key generation
// directly. It always fills p completely or fails.
func (g *Generator) Read(p []byte) (int, error) {
	b, err := g.GetRandomBytes(len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// Reset rewinds the stream to its start without changing the seed.
func (g *Generator) Reset() {
	g.counter = 0
	g.buf = g.buf[:0]
	g.off = 0
}

// Counter reports how many blocks have been generated so far.
func (g *Generator) Counter() uint64 {
	return g.counter
}

// StateHash returns the block for the current counter. Inspection only; it
// is not part of the output stream contract.
func (g *Generator) StateHash() []byte {
	block := g.block(g.counter)
	return block[:]
}

func (g *Generator) block(counter uint64) [sha256.Size]byte {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)

	h := sha256.New()

	// hash.Hash is documented to never return an error
	_, _ = h.Write(g.seed)
	_, _ = h.Write(ctr[:])
	_, _ = h.Write([]byte(DomainTag))

	var block [sha256.Size]byte
	h.Sum(block[:0])

	return block
}
