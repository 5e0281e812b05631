package rsagen

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keymint/keyforge/drbg"
)

func Test_Deterministic_sameStreamSameKey(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, 64)

	genA, err := drbg.New(seed)
	require.NoError(t, err)

	genB, err := drbg.New(seed)
	require.NoError(t, err)

	keyA, err := Deterministic(1024, genA)
	require.NoError(t, err)

	keyB, err := Deterministic(1024, genB)
	require.NoError(t, err)

	require.True(t, keyA.Equal(keyB))
}

func Test_Deterministic_repeatedDerivations(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, 64)

	first, err := Deterministic(1024, mustGen(t, seed))
	require.NoError(t, err)

	// rsa.GenerateKey consumes a coin-flip byte per call, so a regression
	// to it surfaces as a different modulus within a few iterations
	for i := 0; i < 4; i++ {
		key, err := Deterministic(1024, mustGen(t, seed))
		require.NoError(t, err)
		require.Zero(t, first.N.Cmp(key.N), "iteration %d produced a different modulus", i)
	}
}

func mustGen(t *testing.T, seed []byte) *drbg.Generator {
	t.Helper()

	gen, err := drbg.New(seed)
	require.NoError(t, err)

	return gen
}

func Test_Deterministic_keyInvariants(t *testing.T) {
	gen, err := drbg.New(bytes.Repeat([]byte{0x02}, 32))
	require.NoError(t, err)

	key, err := Deterministic(1024, gen)
	require.NoError(t, err)

	require.NoError(t, key.Validate())
	require.Equal(t, 65537, key.E)
	require.Len(t, key.Primes, 2)
	require.Equal(t, 1024, key.N.BitLen())

	product := new(big.Int).Mul(key.Primes[0], key.Primes[1])
	require.Zero(t, key.N.Cmp(product))
}

func Test_Deterministic_rejectsSmallModulus(t *testing.T) {
	gen, err := drbg.New(bytes.Repeat([]byte{0x03}, 32))
	require.NoError(t, err)

	_, err = Deterministic(512, gen)
	require.Error(t, err)
}

func Test_ChaCha_deterministic(t *testing.T) {
	var seed [32]byte
	seed[0] = 0xab

	keyA, err := ChaCha(1024, seed)
	require.NoError(t, err)

	keyB, err := ChaCha(1024, seed)
	require.NoError(t, err)

	require.True(t, keyA.Equal(keyB))
}
