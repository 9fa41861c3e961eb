package types

// CryptoVersion selects the header schema carried in payload metadata.
type CryptoVersion uint8

const (
	CryptoVersionClassical CryptoVersion = 1
	CryptoVersionHybrid    CryptoVersion = 2
)

// ClassicalHeader is sent alongside every ciphertext.
type ClassicalHeader struct {
	EphemeralPublicKey  X25519Public `json:"dh_pub"`
	PreviousChainLength uint32       `json:"pn"`
	MessageNumber       uint32       `json:"n"`
}

// HybridHeader extends the classical header with post-quantum fields.
// KEMCiphertext is set only on messages that open a new chain.
type HybridHeader struct {
	ClassicalHeader
	KEMCiphertext []byte `json:"kem_ct,omitempty"`
	KEMPublicKey  []byte `json:"kem_pub"`
	Signature     []byte `json:"sig,omitempty"`
}

// Metadata is the versioned, tagged payload header. Exactly one of
// Classical or Hybrid is set, matching CryptoVersion.
type Metadata struct {
	CryptoVersion CryptoVersion    `json:"v"`
	Classical     *ClassicalHeader `json:"classical,omitempty"`
	Hybrid        *HybridHeader    `json:"hybrid,omitempty"`
	Handshake     *Handshake       `json:"handshake,omitempty"`
}

// EncryptedPayload is what the message layer stores and transmits.
type EncryptedPayload struct {
	Ciphertext []byte   `json:"ciphertext"`
	Nonce      []byte   `json:"nonce"`
	AuthTag    []byte   `json:"auth_tag"`
	KeyID      string   `json:"key_id"`
	Metadata   Metadata `json:"metadata"`
}

// EncryptionStatus reports whether local key material exists and is unlocked.
type EncryptionStatus struct {
	HasKeys    bool `json:"has_keys"`
	KeysLoaded bool `json:"keys_loaded"`
}
