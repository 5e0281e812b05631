package keymat

import (
	"bytes"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keymint/keyforge/drbg"
)

const testBits = 1024

func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 64)
}

func Test_GenerateFromSeed_deterministic(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	first, err := deriver.GenerateFromSeed(testSeed(0x01))
	require.NoError(t, err)

	second, err := deriver.GenerateFromSeed(testSeed(0x01))
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func Test_GenerateFromSeed_distinctSeeds(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	first, err := deriver.GenerateFromSeed(testSeed(0x01))
	require.NoError(t, err)

	second, err := deriver.GenerateFromSeed(testSeed(0x02))
	require.NoError(t, err)

	require.NotEqual(t, first.N, second.N)
}

func Test_GenerateFromSeed_shortSeed(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	_, err = deriver.GenerateFromSeed(make([]byte, 16))
	require.ErrorIs(t, err, drbg.ErrInvalidSeed)
}

func Test_GenerateFromSeed_materialInvariants(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	km, err := deriver.GenerateFromSeed(testSeed(0x03))
	require.NoError(t, err)

	require.Equal(t, "RSA", km.Kty)
	require.Empty(t, km.missingFields())
	require.Equal(t, testBits, km.ModulusBits())

	key, err := km.Key()
	require.NoError(t, err)
	require.NoError(t, key.Validate())

	require.Equal(t, 65537, key.E)
	require.Zero(t, key.N.Cmp(new(big.Int).Mul(key.Primes[0], key.Primes[1])))
}

func Test_FromKey_roundTrip(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	km, err := deriver.GenerateFromSeed(testSeed(0x04))
	require.NoError(t, err)

	key, err := km.Key()
	require.NoError(t, err)

	again, err := FromKey(key)
	require.NoError(t, err)

	require.Equal(t, km, again)
}

func Test_NewDeriver_bits(t *testing.T) {
	deriver, err := NewDeriver(0)
	require.NoError(t, err)
	require.Equal(t, DefaultBits, deriver.Bits())

	_, err = NewDeriver(512)
	require.Error(t, err)
}

func Test_ValidateCompatibility(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	t.Run("matching reference", func(t *testing.T) {
		report, err := deriver.ValidateCompatibility(testSeed(0x05), ChaChaReference{Bits: testBits})
		require.NoError(t, err)

		require.True(t, report.Compatible)
		require.Empty(t, report.Issues)
		require.Equal(t, "RSA", report.DerivedKty)
		require.Equal(t, "RSA", report.ReferenceKty)
		require.Equal(t, report.DerivedModulusBits, report.ReferenceModulusBits)
	})

	t.Run("modulus size mismatch", func(t *testing.T) {
		report, err := deriver.ValidateCompatibility(testSeed(0x05), ChaChaReference{Bits: testBits * 2})
		require.NoError(t, err)

		require.False(t, report.Compatible)
		require.NotEmpty(t, report.Issues)
	})

	t.Run("short seed", func(t *testing.T) {
		_, err := deriver.ValidateCompatibility(make([]byte, 8), ChaChaReference{Bits: testBits})
		require.ErrorIs(t, err, drbg.ErrInvalidSeed)
	})
}

func Test_BenchmarkPerformance(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	report, err := deriver.BenchmarkPerformance(testSeed(0x06), ChaChaReference{Bits: testBits}, 2)
	require.NoError(t, err)

	require.Equal(t, 2, report.Iterations)
	require.Greater(t, report.Deriver.Average, time.Duration(0))
	require.Greater(t, report.Reference.Average, time.Duration(0))
	require.LessOrEqual(t, report.Deriver.Min, report.Deriver.Max)
	require.LessOrEqual(t, report.Deriver.Min, report.Deriver.Median)

	_, err = deriver.BenchmarkPerformance(testSeed(0x06), ChaChaReference{Bits: testBits}, 0)
	require.Error(t, err)
}

func Test_SigningKey(t *testing.T) {
	first, err := SigningKey(testSeed(0x07))
	require.NoError(t, err)

	second, err := SigningKey(testSeed(0x07))
	require.NoError(t, err)

	require.True(t, first.Equal(second))

	other, err := SigningKey(testSeed(0x08))
	require.NoError(t, err)
	require.False(t, first.Equal(other))

	_, err = SigningKey(make([]byte, 16))
	require.ErrorIs(t, err, drbg.ErrInvalidSeed)
}

func Test_PublicJWKS(t *testing.T) {
	deriver, err := NewDeriver(testBits)
	require.NoError(t, err)

	km, err := deriver.GenerateFromSeed(testSeed(0x09))
	require.NoError(t, err)

	set, err := km.PublicJWKS("test-kid")
	require.NoError(t, err)

	require.Len(t, set.Keys, 1)
	require.Equal(t, "test-kid", set.Keys[0].KeyID)
	require.Equal(t, "sig", set.Keys[0].Use)
	require.True(t, set.Keys[0].IsPublic())
}
