package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"pqratchet/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) domain.Fingerprint {
	sum := sha256.Sum256(pub)
	return domain.Fingerprint(hex.EncodeToString(sum[:10]))
}

// FingerprintX25519 returns the fingerprint of a Curve25519 public key.
func FingerprintX25519(pub domain.X25519Public) domain.Fingerprint {
	return Fingerprint(pub[:])
}

// FingerprintSecrets commits to secret material without revealing it.
// Parts are length-prefixed so distinct splits never collide.
func FingerprintSecrets(label string, parts ...[]byte) domain.Fingerprint {
	h := sha256.New()
	h.Write([]byte(label))
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	sum := h.Sum(nil)
	return domain.Fingerprint(hex.EncodeToString(sum[:16]))
}
