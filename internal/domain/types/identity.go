package types

import "time"

// TrustLevel is the coarse trust tier derived from a device's trust score.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustBasic     TrustLevel = "basic"
	TrustVerified  TrustLevel = "verified"
	TrustTrusted   TrustLevel = "trusted"
)

// TrustLevelForScore maps a score in [0,100] to its tier.
func TrustLevelForScore(score int) TrustLevel {
	switch {
	case score >= 80:
		return TrustTrusted
	case score >= 45:
		return TrustVerified
	case score >= 20:
		return TrustBasic
	default:
		return TrustUntrusted
	}
}

// DeviceKeys holds the private halves of a device identity. It is only ever
// persisted sealed under the owner's passphrase.
type DeviceKeys struct {
	SigningPrivate    Ed25519Private `json:"signing_private"`
	EncryptionPrivate X25519Private  `json:"encryption_private"`
}

// DeviceIdentity is one of a user's devices.
type DeviceIdentity struct {
	DeviceID            DeviceID      `json:"device_id"`
	UserID              UserID        `json:"user_id"`
	Name                string        `json:"name"`
	SigningPublicKey    Ed25519Public `json:"signing_public_key"`
	EncryptionPublicKey X25519Public  `json:"encryption_public_key"`
	// SealedKeys is the passphrase envelope around DeviceKeys.
	SealedKeys []byte `json:"sealed_keys,omitempty"`

	IsVerified bool       `json:"is_verified"`
	VerifiedBy []DeviceID `json:"verified_by,omitempty"`
	TrustLevel TrustLevel `json:"trust_level"`
	TrustScore int        `json:"trust_score"`

	SyncFailures    int    `json:"sync_failures"`
	LastSyncFailure string `json:"last_sync_failure,omitempty"`

	RegisteredAt     time.Time  `json:"registered_at"`
	LastSeen         time.Time  `json:"last_seen"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// Revoked reports whether the device has been revoked.
func (d DeviceIdentity) Revoked() bool { return d.RevokedAt != nil }
