package x3dh

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/kdf"
	"pqratchet/internal/util/memzero"
)

// ErrBadSPK is returned when the signed pre-key signature does not verify.
var ErrBadSPK = errors.New("x3dh: signed pre-key signature invalid")

// Initiation is the initiator's half of a completed handshake.
type Initiation struct {
	SharedSecret []byte
	Handshake    domain.Handshake
	// Ephemeral becomes the initiator's first sending ratchet key.
	Ephemeral domain.X25519KeyPair
	// KEM and Signature are fresh hybrid keys advertised in Handshake.
	KEM       domain.KEMKeyPair
	Signature domain.SignatureKeyPair
}

// SignedPreKeyMessage is the byte string a bundle signature covers. Every
// post-quantum entry is bound to the signed pre-key as
// level || len || kem || len || sig, lengths big-endian uint16.
func SignedPreKeyMessage(spk domain.X25519Public, pq []domain.PostQuantumPreKey) []byte {
	n := len(spk)
	for _, e := range pq {
		n += 5 + len(e.KEMPublicKey) + len(e.SignaturePublicKey)
	}
	out := make([]byte, 0, n)
	out = append(out, spk[:]...)
	for _, e := range pq {
		out = append(out, byte(e.SecurityLevel))
		out = binary.BigEndian.AppendUint16(out, uint16(len(e.KEMPublicKey)))
		out = append(out, e.KEMPublicKey...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(e.SignaturePublicKey)))
		out = append(out, e.SignaturePublicKey...)
	}
	return out
}

// VerifySPK checks the signed pre-key signature of a bundle.
func VerifySPK(bundle domain.PreKeyBundle) bool {
	msg := SignedPreKeyMessage(bundle.SignedPreKey, bundle.PostQuantum)
	return crypto.VerifyEd25519(bundle.SigningKey, msg, bundle.SignedPreKeySignature)
}

// Initiate runs the initiator side against a peer bundle.
func Initiate(suite crypto.Suite, ourIdentity domain.X25519KeyPair, bundle domain.PreKeyBundle) (Initiation, error) {
	if !VerifySPK(bundle) {
		return Initiation{}, ErrBadSPK
	}
	var pq domain.PostQuantumPreKey
	if suite.Hybrid() {
		var ok bool
		pq, ok = bundle.PostQuantumFor(suite.Capability.SecurityLevel)
		if !ok || len(pq.KEMPublicKey) != suite.KEM().PublicKeySize() || len(pq.SignaturePublicKey) == 0 {
			return Initiation{}, fmt.Errorf("bundle for %s lacks %s keys: %w", bundle.UserID, suite, domain.ErrUnsupportedAlgorithm)
		}
	}

	eph, err := crypto.GenerateX25519()
	if err != nil {
		return Initiation{}, err
	}

	dh1, err := crypto.DH(ourIdentity.Private, bundle.SignedPreKey) // DH(IKA, SPKB)
	if err != nil {
		return Initiation{}, err
	}
	dh2, err := crypto.DH(eph.Private, bundle.IdentityKey) // DH(EKA, IKB)
	if err != nil {
		return Initiation{}, err
	}
	dh3, err := crypto.DH(eph.Private, bundle.SignedPreKey) // DH(EKA, SPKB)
	if err != nil {
		return Initiation{}, err
	}
	defer memzero.ZeroAll(dh1[:], dh2[:], dh3[:])

	secret, err := kdf.MixSecrets(dh1[:], dh2[:], dh3[:])
	if err != nil {
		return Initiation{}, err
	}

	out := Initiation{
		Ephemeral: eph,
		Handshake: domain.Handshake{
			InitiatorIdentityKey: ourIdentity.Public,
			EphemeralKey:         eph.Public,
			SignedPreKeyID:       bundle.SignedPreKeyID,
			Algorithm:            suite.Capability.Algorithm,
			SecurityLevel:        suite.Capability.SecurityLevel,
		},
	}

	if suite.Hybrid() {
		ct, ss, err := suite.KEM().Encapsulate(pq.KEMPublicKey)
		if err != nil {
			memzero.Zero(secret)
			return Initiation{}, err
		}
		combined, err := kdf.CombineSecrets(secret, ss)
		memzero.ZeroAll(secret, ss)
		if err != nil {
			return Initiation{}, err
		}
		secret = combined

		if out.KEM, err = suite.KEM().GenerateKeyPair(); err != nil {
			return Initiation{}, err
		}
		if out.Signature, err = suite.Signer().GenerateKeyPair(); err != nil {
			return Initiation{}, err
		}
		out.Handshake.KEMCiphertext = ct
		out.Handshake.KEMPublicKey = out.KEM.Public
		out.Handshake.SignaturePublicKey = out.Signature.Public
	}

	out.SharedSecret = secret
	return out, nil
}

// Respond recomputes the initiator's shared secret from a handshake using
// our identity key and the signed pre-key it named.
func Respond(
	suite crypto.Suite,
	ourIdentity domain.X25519KeyPair,
	spk domain.SignedPreKeyPair,
	hs domain.Handshake,
) ([]byte, error) {
	if hs.SignedPreKeyID != spk.ID {
		return nil, fmt.Errorf("handshake names pre-key %q, have %q: %w", hs.SignedPreKeyID, spk.ID, domain.ErrInvalidKeyMaterial)
	}

	dh1, err := crypto.DH(spk.Pair.Private, hs.InitiatorIdentityKey) // DH(SPKB, IKA)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIdentity.Private, hs.EphemeralKey) // DH(IKB, EKA)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spk.Pair.Private, hs.EphemeralKey) // DH(SPKB, EKA)
	if err != nil {
		return nil, err
	}
	defer memzero.ZeroAll(dh1[:], dh2[:], dh3[:])

	secret, err := kdf.MixSecrets(dh1[:], dh2[:], dh3[:])
	if err != nil {
		return nil, err
	}
	if !suite.Hybrid() {
		return secret, nil
	}

	pq, ok := spk.PostQuantumFor(suite.Capability.SecurityLevel)
	if !ok {
		memzero.Zero(secret)
		return nil, fmt.Errorf("pre-key %q has no %s keys: %w", spk.ID, suite, domain.ErrInvalidKeyMaterial)
	}
	ss, err := suite.KEM().Decapsulate(pq.KEM.Secret, hs.KEMCiphertext)
	if err != nil {
		memzero.Zero(secret)
		return nil, err
	}
	combined, err := kdf.CombineSecrets(secret, ss)
	memzero.ZeroAll(secret, ss)
	return combined, err
}
