package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"pqratchet/internal/domain"
)

// KEM wraps one ML-KEM parameter set. Keys cross the API in packed form
// and are size-checked on every call.
type KEM struct {
	scheme kem.Scheme
}

// NewKEM returns the ML-KEM parameter set for the security level.
func NewKEM(level domain.SecurityLevel) (*KEM, error) {
	switch level {
	case domain.SecurityLevel3:
		return &KEM{scheme: mlkem768.Scheme()}, nil
	case domain.SecurityLevel5:
		return &KEM{scheme: mlkem1024.Scheme()}, nil
	default:
		return nil, fmt.Errorf("kem for level %d: %w", level, domain.ErrUnsupportedAlgorithm)
	}
}

// Name returns the scheme name, e.g. "ML-KEM-768".
func (k *KEM) Name() string { return k.scheme.Name() }

// PublicKeySize is the packed public key length.
func (k *KEM) PublicKeySize() int { return k.scheme.PublicKeySize() }

// CiphertextSize is the encapsulation length.
func (k *KEM) CiphertextSize() int { return k.scheme.CiphertextSize() }

// GenerateKeyPair returns a fresh packed key pair.
func (k *KEM) GenerateKeyPair() (domain.KEMKeyPair, error) {
	pk, sk, err := k.scheme.GenerateKeyPair()
	if err != nil {
		return domain.KEMKeyPair{}, err
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return domain.KEMKeyPair{}, err
	}
	sec, err := sk.MarshalBinary()
	if err != nil {
		return domain.KEMKeyPair{}, err
	}
	return domain.KEMKeyPair{Public: pub, Secret: sec}, nil
}

// Encapsulate returns a ciphertext for pub and the shared secret it carries.
func (k *KEM) Encapsulate(pub []byte) (ct, ss []byte, err error) {
	if len(pub) != k.scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%s public key is %d bytes: %w", k.Name(), len(pub), domain.ErrInvalidKeyMaterial)
	}
	pk, err := k.scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%s public key: %v: %w", k.Name(), err, domain.ErrInvalidKeyMaterial)
	}
	return k.scheme.Encapsulate(pk)
}

// Decapsulate recovers the shared secret from ct with the packed secret key.
func (k *KEM) Decapsulate(secret, ct []byte) ([]byte, error) {
	if len(secret) != k.scheme.PrivateKeySize() {
		return nil, fmt.Errorf("%s secret key is %d bytes: %w", k.Name(), len(secret), domain.ErrInvalidKeyMaterial)
	}
	if len(ct) != k.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%s ciphertext is %d bytes: %w", k.Name(), len(ct), domain.ErrInvalidKeyMaterial)
	}
	sk, err := k.scheme.UnmarshalBinaryPrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%s secret key: %v: %w", k.Name(), err, domain.ErrInvalidKeyMaterial)
	}
	return k.scheme.Decapsulate(sk, ct)
}
