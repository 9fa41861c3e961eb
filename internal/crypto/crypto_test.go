package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pqratchet/internal/domain"
)

func TestX25519SharedSecretAgrees(t *testing.T) {
	a, err := GenerateX25519()
	require.NoError(t, err)
	b, err := GenerateX25519()
	require.NoError(t, err)

	ab, err := DH(a.Private, b.Public)
	require.NoError(t, err)
	ba, err := DH(b.Private, a.Public)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
}

func TestX25519RejectsBadInput(t *testing.T) {
	kp, err := GenerateX25519()
	require.NoError(t, err)

	_, err = SharedSecret(kp.Private[:31], kp.Public[:])
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)

	_, err = SharedSecret(kp.Private[:], make([]byte, 33))
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)

	for i, p := range lowOrderPoints {
		_, err = SharedSecret(kp.Private[:], p[:])
		require.ErrorIs(t, err, domain.ErrInvalidPublicKey, "point %d", i)
	}

	// High bit set on a low-order point is the same point.
	p := lowOrderPoints[2]
	p[31] |= 0x80
	require.ErrorIs(t, ValidateX25519Public(p[:]), domain.ErrInvalidPublicKey)
}

func TestKEMRoundTrip(t *testing.T) {
	for _, level := range []domain.SecurityLevel{domain.SecurityLevel3, domain.SecurityLevel5} {
		k, err := NewKEM(level)
		require.NoError(t, err)

		kp, err := k.GenerateKeyPair()
		require.NoError(t, err)
		require.Len(t, kp.Public, k.PublicKeySize())

		ct, ss, err := k.Encapsulate(kp.Public)
		require.NoError(t, err)
		got, err := k.Decapsulate(kp.Secret, ct)
		require.NoError(t, err)
		require.Equal(t, ss, got)
	}
}

func TestKEMSizeChecks(t *testing.T) {
	k, err := NewKEM(domain.SecurityLevel3)
	require.NoError(t, err)
	kp, err := k.GenerateKeyPair()
	require.NoError(t, err)

	_, _, err = k.Encapsulate(kp.Public[1:])
	require.ErrorIs(t, err, domain.ErrInvalidKeyMaterial)

	ct, _, err := k.Encapsulate(kp.Public)
	require.NoError(t, err)
	_, err = k.Decapsulate(kp.Secret, ct[:len(ct)-1])
	require.ErrorIs(t, err, domain.ErrInvalidKeyMaterial)
	_, err = k.Decapsulate(kp.Secret[:10], ct)
	require.ErrorIs(t, err, domain.ErrInvalidKeyMaterial)

	_, err = NewKEM(domain.SecurityLevel1)
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
}

func TestSignerVerify(t *testing.T) {
	s, err := NewSigner(domain.SecurityLevel3)
	require.NoError(t, err)
	kp, err := s.GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("header||nonce||ciphertext||tag")
	sig, err := s.Sign(kp.Secret, msg)
	require.NoError(t, err)
	require.Len(t, sig, s.SignatureSize())

	ok, err := s.Verify(kp.Public, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	bad := bytes.Clone(sig)
	bad[7] ^= 0x01
	ok, err = s.Verify(kp.Public, msg, bad)
	require.NoError(t, err)
	require.False(t, ok)

	tampered := bytes.Clone(msg)
	tampered[0] ^= 0x80
	ok, err = s.Verify(kp.Public, tampered, sig)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Verify(kp.Public, msg, sig[:10])
	require.ErrorIs(t, err, domain.ErrInvalidKeyMaterial)
}

func TestAEADDetachedTag(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	for _, kind := range []AEADKind{ChaCha20Poly1305, XChaCha20Poly1305} {
		nonce, ct, tag, err := kind.Seal(key, []byte("hello"), []byte("ad"))
		require.NoError(t, err)
		require.Len(t, tag, TagSize)

		pt, err := kind.Open(key, nonce, ct, tag, []byte("ad"))
		require.NoError(t, err)
		require.Equal(t, "hello", string(pt))

		tag[0] ^= 1
		_, err = kind.Open(key, nonce, ct, tag, []byte("ad"))
		require.True(t, errors.Is(err, domain.ErrDecryptionAuthFailure), kind.String())
	}

	_, _, _, err := ChaCha20Poly1305.Seal(key[:16], nil, nil)
	require.ErrorIs(t, err, domain.ErrInvalidKeyLength)
}

func TestSuiteSelection(t *testing.T) {
	s, err := SuiteFor(domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel3})
	require.NoError(t, err)
	require.True(t, s.Hybrid())
	require.Contains(t, s.KEM().Name(), "768")
	require.Contains(t, s.Signer().Name(), "65")
	require.Equal(t, domain.CryptoVersionHybrid, s.CryptoVersion())

	s, err = SuiteFor(domain.Capability{Algorithm: domain.AlgorithmClassical, SecurityLevel: domain.SecurityLevel1})
	require.NoError(t, err)
	require.False(t, s.Hybrid())
	require.Nil(t, s.KEM())

	_, err = SuiteFor(domain.Capability{Algorithm: "rot13", SecurityLevel: domain.SecurityLevel1})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
}
