package ratchet

import (
	"bytes"
	"fmt"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/util/memzero"
)

// Clone deep-copies st so the copy can be mutated and wiped independently.
func Clone(st domain.RatchetState) domain.RatchetState {
	out := st
	out.RootKey = bytes.Clone(st.RootKey)
	out.SendingChainKey = bytes.Clone(st.SendingChainKey)
	out.ReceivingChainKey = bytes.Clone(st.ReceivingChainKey)
	out.SendingKEM = domain.KEMKeyPair{
		Public: bytes.Clone(st.SendingKEM.Public),
		Secret: bytes.Clone(st.SendingKEM.Secret),
	}
	out.SendingKEMCiphertext = bytes.Clone(st.SendingKEMCiphertext)
	out.ReceivingKEMPublicKey = bytes.Clone(st.ReceivingKEMPublicKey)
	out.LocalSignature = domain.SignatureKeyPair{
		Public: bytes.Clone(st.LocalSignature.Public),
		Secret: bytes.Clone(st.LocalSignature.Secret),
	}
	out.PeerSignaturePublic = bytes.Clone(st.PeerSignaturePublic)
	if st.PendingHandshake != nil {
		hs := cloneHandshake(*st.PendingHandshake)
		out.PendingHandshake = &hs
	}
	return out
}

// Wipe zeroes every secret held by st.
func Wipe(st *domain.RatchetState) {
	if st == nil {
		return
	}
	memzero.ZeroAll(
		st.RootKey,
		st.SendingChainKey,
		st.ReceivingChainKey,
		st.SendingEphemeralKeyPair.Private[:],
		st.SendingKEM.Secret,
		st.LocalSignature.Secret,
	)
}

// RootFingerprint commits to the root key. Two devices holding the same
// state report the same fingerprint until one of them performs a DH step.
func RootFingerprint(st domain.RatchetState) domain.Fingerprint {
	return crypto.FingerprintSecrets("pqratchet root", st.RootKey)
}

// SuiteOf returns the primitive suite a state was established with.
func SuiteOf(st domain.RatchetState) (crypto.Suite, error) {
	return crypto.SuiteFor(domain.Capability{Algorithm: st.Algorithm, SecurityLevel: st.SecurityLevel})
}

func chainID(pub domain.X25519Public) domain.Fingerprint {
	return crypto.FingerprintX25519(pub)
}

func keyID(pos domain.ChainPosition) string {
	return fmt.Sprintf("%s:%d", pos.ChainID, pos.Index)
}

func cloneHandshake(hs domain.Handshake) domain.Handshake {
	hs.KEMCiphertext = bytes.Clone(hs.KEMCiphertext)
	hs.KEMPublicKey = bytes.Clone(hs.KEMPublicKey)
	hs.SignaturePublicKey = bytes.Clone(hs.SignaturePublicKey)
	return hs
}
