package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"pqratchet/internal/domain"
)

// Signer wraps one ML-DSA parameter set.
type Signer struct {
	scheme sign.Scheme
}

// NewSigner returns the ML-DSA parameter set for the security level.
func NewSigner(level domain.SecurityLevel) (*Signer, error) {
	switch level {
	case domain.SecurityLevel3:
		return &Signer{scheme: mldsa65.Scheme()}, nil
	case domain.SecurityLevel5:
		return &Signer{scheme: mldsa87.Scheme()}, nil
	default:
		return nil, fmt.Errorf("signature for level %d: %w", level, domain.ErrUnsupportedAlgorithm)
	}
}

// Name returns the scheme name, e.g. "ML-DSA-65".
func (s *Signer) Name() string { return s.scheme.Name() }

// SignatureSize is the fixed signature length.
func (s *Signer) SignatureSize() int { return s.scheme.SignatureSize() }

// GenerateKeyPair returns a fresh packed signing key pair.
func (s *Signer) GenerateKeyPair() (domain.SignatureKeyPair, error) {
	pk, sk, err := s.scheme.GenerateKey()
	if err != nil {
		return domain.SignatureKeyPair{}, err
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return domain.SignatureKeyPair{}, err
	}
	sec, err := sk.MarshalBinary()
	if err != nil {
		return domain.SignatureKeyPair{}, err
	}
	return domain.SignatureKeyPair{Public: pub, Secret: sec}, nil
}

// Sign signs msg with the packed secret key.
func (s *Signer) Sign(secret, msg []byte) ([]byte, error) {
	if len(secret) != s.scheme.PrivateKeySize() {
		return nil, fmt.Errorf("%s secret key is %d bytes: %w", s.Name(), len(secret), domain.ErrInvalidKeyMaterial)
	}
	sk, err := s.scheme.UnmarshalBinaryPrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%s secret key: %v: %w", s.Name(), err, domain.ErrInvalidKeyMaterial)
	}
	return s.scheme.Sign(sk, msg, nil), nil
}

// Verify checks sig over msg. A well-formed but wrong signature yields
// (false, nil); only malformed keys or sizes are errors.
func (s *Signer) Verify(pub, msg, sig []byte) (bool, error) {
	if len(pub) != s.scheme.PublicKeySize() {
		return false, fmt.Errorf("%s public key is %d bytes: %w", s.Name(), len(pub), domain.ErrInvalidKeyMaterial)
	}
	if len(sig) != s.scheme.SignatureSize() {
		return false, fmt.Errorf("%s signature is %d bytes: %w", s.Name(), len(sig), domain.ErrInvalidKeyMaterial)
	}
	pk, err := s.scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("%s public key: %v: %w", s.Name(), err, domain.ErrInvalidKeyMaterial)
	}
	return s.scheme.Verify(pk, msg, sig, nil), nil
}
