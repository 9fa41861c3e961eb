package kdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"pqratchet/internal/domain"
)

func secret(b byte) []byte { return bytes.Repeat([]byte{b}, KeySize) }

func TestDeriveInitialKeysDeterministic(t *testing.T) {
	r1, c1, err := DeriveInitialKeys(secret(7))
	require.NoError(t, err)
	r2, c2, err := DeriveInitialKeys(secret(7))
	require.NoError(t, err)
	require.Equal(t, r1, r2)
	require.Equal(t, c1, c2)
	require.NotEqual(t, r1, c1)
}

func TestContextsSeparateOutputs(t *testing.T) {
	r1, c1, err := DeriveInitialKeys(secret(1))
	require.NoError(t, err)

	// Same bytes through the step path must not reproduce the initial keys.
	prk := extract(secret(1))
	require.NotEqual(t, r1, expand(prk, ContextStep, subkeyRoot))
	require.NotEqual(t, c1, expand(prk, ContextStep, subkeyChain))

	a, b, err := SplitChain(c1)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRatchetStepChangesRoot(t *testing.T) {
	root, _, err := DeriveInitialKeys(secret(2))
	require.NoError(t, err)
	nr, ck, err := RatchetStep(root, secret(3))
	require.NoError(t, err)
	require.NotEqual(t, root, nr)
	require.Len(t, ck, KeySize)

	nr2, _, err := RatchetStep(root, secret(4))
	require.NoError(t, err)
	require.NotEqual(t, nr, nr2)
}

func TestCombineSecretsDependsOnBoth(t *testing.T) {
	a, err := CombineSecrets(secret(1), secret(2))
	require.NoError(t, err)
	b, err := CombineSecrets(secret(1), secret(3))
	require.NoError(t, err)
	c, err := CombineSecrets(secret(9), secret(2))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestChainAdvanceIsOneWay(t *testing.T) {
	mk, next, err := ChainAdvance(secret(5))
	require.NoError(t, err)
	require.NotEqual(t, mk, next)
	mk2, _, err := ChainAdvance(next)
	require.NoError(t, err)
	require.NotEqual(t, mk, mk2)
}

func TestInvalidLengths(t *testing.T) {
	_, _, err := DeriveInitialKeys(make([]byte, 31))
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)
	_, _, err = RatchetStep(secret(1), make([]byte, 33))
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)
	_, _, err = ChainAdvance(nil)
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)
	_, err = CombineSecrets(secret(1), make([]byte, 64))
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)
	_, err = SyncKey(make([]byte, 16))
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)
}
