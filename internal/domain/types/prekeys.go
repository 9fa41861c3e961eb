package types

import "time"

// PostQuantumPreKey is the public ML-KEM and ML-DSA keys a bundle offers
// for one hybrid security level.
type PostQuantumPreKey struct {
	SecurityLevel      SecurityLevel `json:"security_level"`
	KEMPublicKey       []byte        `json:"kem_public_key"`
	SignaturePublicKey []byte        `json:"signature_public_key"`
}

// PreKeyBundle is a device's published key bundle used to start a session.
// PostQuantum holds one entry per hybrid level the device supports.
type PreKeyBundle struct {
	UserID                UserID              `json:"user_id"`
	DeviceID              DeviceID            `json:"device_id"`
	IdentityKey           X25519Public        `json:"identity_key"`
	SigningKey            Ed25519Public       `json:"signing_key"`
	SignedPreKeyID        PreKeyID            `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public        `json:"signed_pre_key"`
	SignedPreKeySignature []byte              `json:"signed_pre_key_signature"`
	PostQuantum           []PostQuantumPreKey `json:"post_quantum,omitempty"`
	Capabilities          CapabilitySet       `json:"capabilities"`
	PublishedAt           time.Time           `json:"published_at"`
}

// PostQuantumFor returns the keys offered for level.
func (b PreKeyBundle) PostQuantumFor(level SecurityLevel) (PostQuantumPreKey, bool) {
	for _, pq := range b.PostQuantum {
		if pq.SecurityLevel == level {
			return pq, true
		}
	}
	return PostQuantumPreKey{}, false
}

// PostQuantumPreKeyPair is the private side of a PostQuantumPreKey.
type PostQuantumPreKeyPair struct {
	SecurityLevel SecurityLevel    `json:"security_level"`
	KEM           KEMKeyPair       `json:"kem"`
	Sign          SignatureKeyPair `json:"sign"`
}

// Public returns the bundle entry for the pair.
func (p PostQuantumPreKeyPair) Public() PostQuantumPreKey {
	return PostQuantumPreKey{
		SecurityLevel:      p.SecurityLevel,
		KEMPublicKey:       p.KEM.Public,
		SignaturePublicKey: p.Sign.Public,
	}
}

// SignedPreKeyPair is the locally stored signed pre-key with its
// post-quantum companions.
type SignedPreKeyPair struct {
	ID          PreKeyID                `json:"id"`
	Pair        X25519KeyPair           `json:"pair"`
	Signature   []byte                  `json:"signature"`
	PostQuantum []PostQuantumPreKeyPair `json:"post_quantum,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

// PostQuantumFor returns the key pairs for level.
func (p SignedPreKeyPair) PostQuantumFor(level SecurityLevel) (PostQuantumPreKeyPair, bool) {
	for _, pq := range p.PostQuantum {
		if pq.SecurityLevel == level {
			return pq, true
		}
	}
	return PostQuantumPreKeyPair{}, false
}

// PublicPostQuantum returns the bundle entries for every level.
func (p SignedPreKeyPair) PublicPostQuantum() []PostQuantumPreKey {
	out := make([]PostQuantumPreKey, 0, len(p.PostQuantum))
	for _, pq := range p.PostQuantum {
		out = append(out, pq.Public())
	}
	return out
}

// Handshake carries the initiator's session parameters on its first
// messages so the responder can derive the same initial secret.
type Handshake struct {
	InitiatorIdentityKey X25519Public  `json:"initiator_identity_key"`
	EphemeralKey         X25519Public  `json:"ephemeral_key"`
	SignedPreKeyID       PreKeyID      `json:"signed_pre_key_id"`
	Algorithm            Algorithm     `json:"algorithm"`
	SecurityLevel        SecurityLevel `json:"security_level"`
	KEMCiphertext        []byte        `json:"kem_ciphertext,omitempty"`
	KEMPublicKey         []byte        `json:"kem_public_key,omitempty"`
	SignaturePublicKey   []byte        `json:"signature_public_key,omitempty"`
}
