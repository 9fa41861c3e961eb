package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"pqratchet/internal/domain"
)

// lowOrderPoints are the Curve25519 u-coordinates of small order, including
// the non-canonical encodings of 0 and 1.
var lowOrderPoints = [...][32]byte{
	{},
	{0x01},
	{
		0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a,
		0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00,
	},
	{
		0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b,
		0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57,
	},
	{
		0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f,
	},
	{
		0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f,
	},
	{
		0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f,
	},
}

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (kp domain.X25519KeyPair, err error) {
	if _, err = rand.Read(kp.Private[:]); err != nil {
		return
	}
	clamp(&kp.Private)
	pb, err := curve25519.X25519(kp.Private.Slice(), curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(kp.Public[:], pb)
	return kp, nil
}

// ValidateX25519Public rejects keys of the wrong size and small-order points.
func ValidateX25519Public(pub []byte) error {
	if len(pub) != curve25519.PointSize {
		return fmt.Errorf("x25519 public key is %d bytes: %w", len(pub), domain.ErrInvalidKeyLength)
	}
	var masked [32]byte
	copy(masked[:], pub)
	masked[31] &= 0x7f
	var bad int
	for i := range lowOrderPoints {
		cand := lowOrderPoints[i]
		cand[31] &= 0x7f
		bad |= subtle.ConstantTimeCompare(masked[:], cand[:])
	}
	if bad == 1 {
		return domain.ErrInvalidPublicKey
	}
	return nil
}

// SharedSecret computes X25519(priv, peerPub) over raw byte slices.
func SharedSecret(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("x25519 private key is %d bytes: %w", len(priv), domain.ErrInvalidKeyLength)
	}
	if err := ValidateX25519Public(peerPub); err != nil {
		return nil, err
	}
	out, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		// x/crypto reports an all-zero output this way.
		return nil, fmt.Errorf("x25519: %v: %w", err, domain.ErrInvalidPublicKey)
	}
	return out, nil
}

// DH computes X25519 Diffie–Hellman over typed keys.
func DH(priv domain.X25519Private, pub domain.X25519Public) (out [32]byte, err error) {
	secret, err := SharedSecret(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// X25519PublicFromBytes converts and validates a wire public key.
func X25519PublicFromBytes(b []byte) (pub domain.X25519Public, err error) {
	if err = ValidateX25519Public(b); err != nil {
		return pub, err
	}
	copy(pub[:], b)
	return pub, nil
}

func clamp(k *domain.X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
