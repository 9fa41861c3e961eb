package interfaces

import (
	"context"
	"time"

	domaintypes "pqratchet/internal/domain/types"
)

// RatchetStore keeps the single live ratchet state per (conversation, user)
// together with its post-quantum key material.
type RatchetStore interface {
	LoadRatchetState(key domaintypes.StateKey) (domaintypes.RatchetState, bool, error)
	// CommitRatchet applies the commit atomically. It fails with
	// ErrVersionConflict when the stored version differs from
	// commit.ExpectedVersion.
	CommitRatchet(ctx context.Context, commit domaintypes.RatchetCommit) error
	DeleteRatchetState(key domaintypes.StateKey) error
	ListRatchetStates(user domaintypes.UserID) ([]domaintypes.RatchetState, error)
	ActivePQKeys(ratchetStateID string) ([]domaintypes.PostQuantumKeyMaterial, error)
}

// SkippedKeyRecords persists skipped message keys behind the in-memory cache.
type SkippedKeyRecords interface {
	LoadSkippedKeys(ratchetStateID string) ([]domaintypes.SkippedMessageKey, error)
	PutSkippedKeys(keys []domaintypes.SkippedMessageKey) error
	DeleteSkippedKeys(ratchetStateID string, positions []domaintypes.ChainPosition) error
}

// NegotiationStore keeps the agreed algorithm per conversation and its migrations.
type NegotiationStore interface {
	SaveNegotiation(n domaintypes.AlgorithmNegotiation) error
	LoadNegotiation(conv domaintypes.ConversationID) (domaintypes.AlgorithmNegotiation, bool, error)
	NegotiationHistory(conv domaintypes.ConversationID) ([]domaintypes.AlgorithmNegotiation, error)
	SaveMigration(m domaintypes.CryptoMigration) error
	LoadMigration(id string) (domaintypes.CryptoMigration, bool, error)
}

// DeviceStore persists device identities.
type DeviceStore interface {
	SaveDevice(d domaintypes.DeviceIdentity) error
	LoadDevice(id domaintypes.DeviceID) (domaintypes.DeviceIdentity, bool, error)
	ListDevices(user domaintypes.UserID) ([]domaintypes.DeviceIdentity, error)
}

// PreKeyStore holds the local signed pre-key.
type PreKeyStore interface {
	SaveSignedPreKey(device domaintypes.DeviceID, spk domaintypes.SignedPreKeyPair) error
	LoadSignedPreKey(device domaintypes.DeviceID, id domaintypes.PreKeyID) (domaintypes.SignedPreKeyPair, bool, error)
	CurrentSignedPreKey(device domaintypes.DeviceID) (domaintypes.SignedPreKeyPair, bool, error)
}

// SyncPackageStore persists key sync packages until they are consumed.
type SyncPackageStore interface {
	SavePackage(p domaintypes.KeySyncPackage) error
	LoadPackage(id string) (domaintypes.KeySyncPackage, bool, error)
	PackagesFor(target domaintypes.DeviceID) ([]domaintypes.KeySyncPackage, error)
	Packages() ([]domaintypes.KeySyncPackage, error)
	DeletePackage(id string) error
}

// ConflictStore persists conflicts and the resolutions each device recorded.
type ConflictStore interface {
	SaveConflict(c domaintypes.KeyConflict) error
	LoadConflict(id string) (domaintypes.KeyConflict, bool, error)
	OpenConflict(key domaintypes.StateKey) (domaintypes.KeyConflict, bool, error)
	ListConflicts(user domaintypes.UserID) ([]domaintypes.KeyConflict, error)
	SaveResolution(r domaintypes.ConflictResolution) error
	ResolutionsFor(device domaintypes.DeviceID) ([]domaintypes.ConflictResolution, error)
}

// OfflineQueueStore is the durable per-device sync queue.
type OfflineQueueStore interface {
	Enqueue(item domaintypes.OfflineSyncItem) (domaintypes.OfflineSyncItem, error)
	// Due returns pending items for device in priority-then-FIFO order whose
	// next attempt is not after now.
	Due(device domaintypes.DeviceID, now time.Time) ([]domaintypes.OfflineSyncItem, error)
	Items(device domaintypes.DeviceID) ([]domaintypes.OfflineSyncItem, error)
	UpdateItem(item domaintypes.OfflineSyncItem) error
	RemoveItem(item domaintypes.OfflineSyncItem) error
	QueuedDevices() ([]domaintypes.DeviceID, error)
}

// ConversationStore keeps per-conversation encryption settings.
type ConversationStore interface {
	SaveSettings(s domaintypes.ConversationSettings) error
	LoadSettings(conv domaintypes.ConversationID) (domaintypes.ConversationSettings, bool, error)
}
