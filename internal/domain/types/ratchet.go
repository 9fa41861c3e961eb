package types

import "time"

// Role is the side a ratchet state took during session establishment.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

// String returns a human readable role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// RatchetState contains all fields the Double Ratchet needs to track for
// one (conversation, user) pair.
//
// Message numbers are chain-position pointers: SendingMessageNumber is the
// index the next outgoing message takes, ReceivingMessageNumber the next
// index expected on the current receiving chain. Chain lengths count the
// messages processed on the current chains.
type RatchetState struct {
	ID            string        `json:"id"`
	Key           StateKey      `json:"key"`
	Role          Role          `json:"role"`
	Algorithm     Algorithm     `json:"algorithm"`
	SecurityLevel SecurityLevel `json:"security_level"`
	PQCEnabled    bool          `json:"pqc_enabled"`

	RootKey           []byte `json:"root_key"`
	SendingChainKey   []byte `json:"sending_chain_key"`
	ReceivingChainKey []byte `json:"receiving_chain_key"`

	SendingMessageNumber   uint32 `json:"ns"`
	ReceivingMessageNumber uint32 `json:"nr"`
	SendingChainLength     uint32 `json:"sending_chain_length"`
	ReceivingChainLength   uint32 `json:"receiving_chain_length"`
	PreviousChainLength    uint32 `json:"pn"`

	SendingEphemeralKeyPair     X25519KeyPair `json:"sending_ephemeral"`
	ReceivingEphemeralPublicKey X25519Public  `json:"receiving_ephemeral"`
	// PreviousReceivingPublicKey identifies the receiving chain replaced by
	// the last inbound DH step, so late messages on it are recognised.
	PreviousReceivingPublicKey X25519Public `json:"previous_receiving_ephemeral"`

	// RatchetTurn is held by exactly one side at a time; only the holder
	// may perform the next DH-ratchet step.
	RatchetTurn  bool `json:"ratchet_turn"`
	ForceRatchet bool `json:"force_ratchet"`

	// Hybrid mode only.
	SendingKEM            KEMKeyPair       `json:"sending_kem,omitempty"`
	SendingKEMCiphertext  []byte           `json:"sending_kem_ct,omitempty"`
	ReceivingKEMPublicKey []byte           `json:"receiving_kem_public,omitempty"`
	LocalSignature        SignatureKeyPair `json:"local_signature,omitempty"`
	PeerSignaturePublic   []byte           `json:"peer_signature_public,omitempty"`

	// PendingHandshake is echoed on outgoing messages until the peer replies.
	PendingHandshake *Handshake `json:"pending_handshake,omitempty"`
	// HandshakeEphemeral is the initiator's ephemeral key in the handshake
	// that created the state. A handshake with another key is a new session.
	HandshakeEphemeral X25519Public `json:"handshake_ephemeral"`

	Version    uint64    `json:"version"`
	DHSteps    uint64    `json:"dh_steps"`
	CreatedAt  time.Time `json:"created_at"`
	LastStepAt time.Time `json:"last_step_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PQKeyType is the kind of post-quantum key material.
type PQKeyType string

const (
	PQKeyKEMPublic       PQKeyType = "kem-public"
	PQKeyKEMSecret       PQKeyType = "kem-secret"
	PQKeySignaturePublic PQKeyType = "sig-public"
	PQKeySignatureSecret PQKeyType = "sig-secret"
)

// PostQuantumKeyMaterial records a post-quantum key owned by a ratchet state.
// At most one record per (RatchetStateID, KeyType) is active.
type PostQuantumKeyMaterial struct {
	ID             string     `json:"id"`
	RatchetStateID string     `json:"ratchet_state_id"`
	KeyType        PQKeyType  `json:"key_type"`
	Algorithm      string     `json:"algorithm"`
	KeyData        []byte     `json:"key_data"`
	IsActive       bool       `json:"is_active"`
	GeneratedAt    time.Time  `json:"generated_at"`
	ExpiresAt      time.Time  `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// ChainPosition addresses one message key. ChainID is the fingerprint of
// the sender ephemeral key that seeded the chain, since indices restart
// after each DH-ratchet step.
type ChainPosition struct {
	ChainID Fingerprint `json:"chain_id"`
	Index   uint32      `json:"index"`
}

// SkippedMessageKey is a message key derived ahead of delivery.
type SkippedMessageKey struct {
	RatchetStateID string        `json:"ratchet_state_id"`
	Position       ChainPosition `json:"position"`
	Key            []byte        `json:"key"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// ConversationSettings records whether encryption is enabled for a conversation.
type ConversationSettings struct {
	ConversationID ConversationID `json:"conversation_id"`
	Enabled        bool           `json:"enabled"`
	EnabledAt      time.Time      `json:"enabled_at"`
}

// RatchetCommit is everything one ratchet operation changes. It is applied
// in a single transaction or not at all.
type RatchetCommit struct {
	State RatchetState `json:"state"`
	// ExpectedVersion is the version the operation started from; zero
	// means the state must not exist yet.
	ExpectedVersion uint64                   `json:"expected_version"`
	PutSkipped      []SkippedMessageKey      `json:"put_skipped,omitempty"`
	DeleteSkipped   []ChainPosition          `json:"delete_skipped,omitempty"`
	ActivatePQ      []PostQuantumKeyMaterial `json:"activate_pq,omitempty"`
}
