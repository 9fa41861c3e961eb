package crypto

import (
	"fmt"

	"pqratchet/internal/domain"
)

// Suite is the set of primitives selected by a negotiated capability.
// Classical suites carry no KEM or signer.
type Suite struct {
	Capability domain.Capability
	AEAD       AEADKind
	kem        *KEM
	signer     *Signer
}

// SupportedCapabilities lists every capability this build can serve,
// strongest first.
func SupportedCapabilities() domain.CapabilitySet {
	return domain.CapabilitySet{
		{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel5},
		{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel3},
		{Algorithm: domain.AlgorithmClassical, SecurityLevel: domain.SecurityLevel1},
	}
}

// SuiteFor returns the suite for a capability.
func SuiteFor(c domain.Capability) (Suite, error) {
	switch c.Algorithm {
	case domain.AlgorithmClassical:
		if c.SecurityLevel != domain.SecurityLevel1 {
			return Suite{}, fmt.Errorf("classical at level %d: %w", c.SecurityLevel, domain.ErrUnsupportedAlgorithm)
		}
		return Suite{Capability: c, AEAD: ChaCha20Poly1305}, nil
	case domain.AlgorithmHybrid:
		k, err := NewKEM(c.SecurityLevel)
		if err != nil {
			return Suite{}, err
		}
		s, err := NewSigner(c.SecurityLevel)
		if err != nil {
			return Suite{}, err
		}
		return Suite{Capability: c, AEAD: XChaCha20Poly1305, kem: k, signer: s}, nil
	default:
		return Suite{}, fmt.Errorf("algorithm %q: %w", c.Algorithm, domain.ErrUnsupportedAlgorithm)
	}
}

// Hybrid reports whether the suite uses post-quantum primitives.
func (s Suite) Hybrid() bool { return s.kem != nil }

// KEM returns the post-quantum KEM, or nil for classical suites.
func (s Suite) KEM() *KEM { return s.kem }

// Signer returns the post-quantum signer, or nil for classical suites.
func (s Suite) Signer() *Signer { return s.signer }

// CryptoVersion is the header schema the suite emits.
func (s Suite) CryptoVersion() domain.CryptoVersion {
	if s.Hybrid() {
		return domain.CryptoVersionHybrid
	}
	return domain.CryptoVersionClassical
}

// String renders e.g. "hybrid-pqc/L3".
func (s Suite) String() string {
	return fmt.Sprintf("%s/L%d", s.Capability.Algorithm, s.Capability.SecurityLevel)
}
