package ratchet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
)

// wireHeader is the decoded form of payload metadata for either version.
type wireHeader struct {
	version   domain.CryptoVersion
	classical domain.ClassicalHeader
	kemCT     []byte
	kemPub    []byte
	signature []byte
}

// decodeHeader matches the metadata version against the suite. A version
// the state was not established with is never accepted.
func decodeHeader(suite crypto.Suite, meta domain.Metadata) (wireHeader, error) {
	if meta.CryptoVersion != suite.CryptoVersion() {
		return wireHeader{}, fmt.Errorf("header version %d on %s state: %w", meta.CryptoVersion, suite, domain.ErrUnsupportedAlgorithm)
	}
	switch meta.CryptoVersion {
	case domain.CryptoVersionClassical:
		if meta.Classical == nil || meta.Hybrid != nil {
			return wireHeader{}, fmt.Errorf("malformed classical header: %w", domain.ErrDecryptionAuthFailure)
		}
		return wireHeader{version: meta.CryptoVersion, classical: *meta.Classical}, nil
	case domain.CryptoVersionHybrid:
		if meta.Hybrid == nil || meta.Classical != nil {
			return wireHeader{}, fmt.Errorf("malformed hybrid header: %w", domain.ErrDecryptionAuthFailure)
		}
		h := meta.Hybrid
		return wireHeader{
			version:   meta.CryptoVersion,
			classical: h.ClassicalHeader,
			kemCT:     h.KEMCiphertext,
			kemPub:    h.KEMPublicKey,
			signature: h.Signature,
		}, nil
	default:
		return wireHeader{}, fmt.Errorf("header version %d: %w", meta.CryptoVersion, domain.ErrUnsupportedAlgorithm)
	}
}

// metadata renders the header as the tagged union carried on the wire.
func (h wireHeader) metadata() domain.Metadata {
	switch h.version {
	case domain.CryptoVersionHybrid:
		return domain.Metadata{
			CryptoVersion: h.version,
			Hybrid: &domain.HybridHeader{
				ClassicalHeader: h.classical,
				KEMCiphertext:   bytes.Clone(h.kemCT),
				KEMPublicKey:    bytes.Clone(h.kemPub),
				Signature:       h.signature,
			},
		}
	default:
		c := h.classical
		return domain.Metadata{CryptoVersion: h.version, Classical: &c}
	}
}

// bytes is the canonical encoding authenticated by the AEAD and, in hybrid
// mode, by the signature. The signature itself is excluded.
func (h wireHeader) bytes() []byte {
	out := make([]byte, 0, 1+32+8+4+len(h.kemCT)+len(h.kemPub))
	out = append(out, byte(h.version))
	out = append(out, h.classical.EphemeralPublicKey[:]...)
	out = binary.BigEndian.AppendUint32(out, h.classical.PreviousChainLength)
	out = binary.BigEndian.AppendUint32(out, h.classical.MessageNumber)
	if h.version == domain.CryptoVersionHybrid {
		out = binary.BigEndian.AppendUint16(out, uint16(len(h.kemCT)))
		out = append(out, h.kemCT...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(h.kemPub)))
		out = append(out, h.kemPub...)
	}
	return out
}

func aeadAD(ad, header []byte) []byte {
	out := make([]byte, 0, len(ad)+len(header))
	out = append(out, ad...)
	return append(out, header...)
}

// signedMessage is header ‖ nonce ‖ ciphertext ‖ tag.
func signedMessage(header, nonce, ct, tag []byte) []byte {
	out := make([]byte, 0, len(header)+len(nonce)+len(ct)+len(tag))
	out = append(out, header...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return append(out, tag...)
}
