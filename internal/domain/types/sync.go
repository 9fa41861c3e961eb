package types

import "time"

// PackageStatus is the lifecycle position of a KeySyncPackage.
type PackageStatus string

const (
	PackagePending   PackageStatus = "pending"
	PackageDelivered PackageStatus = "delivered"
	PackageProcessed PackageStatus = "processed"
	PackageExpired   PackageStatus = "expired"
	// PackageHeld waits on this device for a conflict decision.
	PackageHeld PackageStatus = "held"
	// PackageRejected could not be opened or applied and was dropped.
	PackageRejected PackageStatus = "rejected"
)

// PackageKind names the key material a package carries.
type PackageKind string

// PackageKindRatchetState carries a full ratchet state snapshot.
const PackageKindRatchetState PackageKind = "ratchet-state"

// KeySyncPackage is key material sealed to exactly one target device.
type KeySyncPackage struct {
	ID             string        `json:"id"`
	UserID         UserID        `json:"user_id"`
	Key            StateKey      `json:"key"`
	Kind           PackageKind   `json:"kind"`
	OriginDeviceID DeviceID      `json:"origin_device_id"`
	TargetDeviceID DeviceID      `json:"target_device_id"`
	EphemeralKey   X25519Public  `json:"ephemeral_key"`
	Nonce          []byte        `json:"nonce"`
	Ciphertext     []byte        `json:"ciphertext"`
	AuthTag        []byte        `json:"auth_tag"`
	Force          bool          `json:"force"`
	ConflictID     string        `json:"conflict_id,omitempty"`
	Status         PackageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

// Expired reports whether the package is past its TTL at now.
func (p KeySyncPackage) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Tombstone returns p without its sealed snapshot. The record keeps
// consumption idempotent after the key material is gone.
func (p KeySyncPackage) Tombstone() KeySyncPackage {
	p.EphemeralKey = X25519Public{}
	p.Nonce = nil
	p.Ciphertext = nil
	p.AuthTag = nil
	return p
}

// Sealed reports whether p still carries its snapshot.
func (p KeySyncPackage) Sealed() bool {
	return len(p.Ciphertext) > 0
}
