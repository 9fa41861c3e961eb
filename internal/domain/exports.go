package domain

import (
	interfaces "pqratchet/internal/domain/interfaces"
	types "pqratchet/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID                 = types.UserID
	DeviceID               = types.DeviceID
	Fingerprint            = types.Fingerprint
	ConversationID         = types.ConversationID
	PreKeyID               = types.PreKeyID
	StateKey               = types.StateKey
	X25519Public           = types.X25519Public
	X25519Private          = types.X25519Private
	X25519KeyPair          = types.X25519KeyPair
	Ed25519Public          = types.Ed25519Public
	Ed25519Private         = types.Ed25519Private
	KEMKeyPair             = types.KEMKeyPair
	SignatureKeyPair       = types.SignatureKeyPair
	Role                   = types.Role
	RatchetState           = types.RatchetState
	RatchetCommit          = types.RatchetCommit
	PQKeyType              = types.PQKeyType
	PostQuantumKeyMaterial = types.PostQuantumKeyMaterial
	ChainPosition          = types.ChainPosition
	SkippedMessageKey      = types.SkippedMessageKey
	ConversationSettings   = types.ConversationSettings
	Algorithm              = types.Algorithm
	SecurityLevel          = types.SecurityLevel
	Capability             = types.Capability
	CapabilitySet          = types.CapabilitySet
	AlgorithmNegotiation   = types.AlgorithmNegotiation
	MigrationStatus        = types.MigrationStatus
	CryptoMigration        = types.CryptoMigration
	CryptoVersion          = types.CryptoVersion
	ClassicalHeader        = types.ClassicalHeader
	HybridHeader           = types.HybridHeader
	Metadata               = types.Metadata
	EncryptedPayload       = types.EncryptedPayload
	EncryptionStatus       = types.EncryptionStatus
	TrustLevel             = types.TrustLevel
	DeviceKeys             = types.DeviceKeys
	DeviceIdentity         = types.DeviceIdentity
	PreKeyBundle           = types.PreKeyBundle
	PostQuantumPreKey      = types.PostQuantumPreKey
	PostQuantumPreKeyPair  = types.PostQuantumPreKeyPair
	SignedPreKeyPair       = types.SignedPreKeyPair
	Handshake              = types.Handshake
	PackageStatus          = types.PackageStatus
	PackageKind            = types.PackageKind
	KeySyncPackage         = types.KeySyncPackage
	ConflictStatus         = types.ConflictStatus
	ResolutionPolicy       = types.ResolutionPolicy
	DeviceStateReport      = types.DeviceStateReport
	KeyConflict            = types.KeyConflict
	ConflictResolution     = types.ConflictResolution
	SyncStatus             = types.SyncStatus
	OfflineSyncItem        = types.OfflineSyncItem
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	MessageService        = interfaces.MessageService
	DeviceRegistry        = interfaces.DeviceRegistry
	Negotiator            = interfaces.Negotiator
	BundleFetcher         = interfaces.BundleFetcher
	BundlePublisher       = interfaces.BundlePublisher
	CapabilityProvider    = interfaces.CapabilityProvider
	ConversationDirectory = interfaces.ConversationDirectory
	SyncTransport         = interfaces.SyncTransport
	SyncFailureReporter   = interfaces.SyncFailureReporter
	RatchetStore          = interfaces.RatchetStore
	SkippedKeyRecords     = interfaces.SkippedKeyRecords
	NegotiationStore      = interfaces.NegotiationStore
	DeviceStore           = interfaces.DeviceStore
	PreKeyStore           = interfaces.PreKeyStore
	SyncPackageStore      = interfaces.SyncPackageStore
	ConflictStore         = interfaces.ConflictStore
	OfflineQueueStore     = interfaces.OfflineQueueStore
	ConversationStore     = interfaces.ConversationStore
)

// Constants re-exported for callers that only import domain.
const (
	RoleInitiator = types.RoleInitiator
	RoleResponder = types.RoleResponder

	AlgorithmClassical = types.AlgorithmClassical
	AlgorithmHybrid    = types.AlgorithmHybrid

	SecurityLevel1 = types.SecurityLevel1
	SecurityLevel3 = types.SecurityLevel3
	SecurityLevel5 = types.SecurityLevel5

	CryptoVersionClassical = types.CryptoVersionClassical
	CryptoVersionHybrid    = types.CryptoVersionHybrid

	PQKeyKEMPublic       = types.PQKeyKEMPublic
	PQKeyKEMSecret       = types.PQKeyKEMSecret
	PQKeySignaturePublic = types.PQKeySignaturePublic
	PQKeySignatureSecret = types.PQKeySignatureSecret

	TrustUntrusted = types.TrustUntrusted
	TrustBasic     = types.TrustBasic
	TrustVerified  = types.TrustVerified
	TrustTrusted   = types.TrustTrusted

	PackagePending          = types.PackagePending
	PackageDelivered        = types.PackageDelivered
	PackageProcessed        = types.PackageProcessed
	PackageExpired          = types.PackageExpired
	PackageHeld             = types.PackageHeld
	PackageRejected         = types.PackageRejected
	PackageKindRatchetState = types.PackageKindRatchetState

	ConflictOpen     = types.ConflictOpen
	ConflictResolved = types.ConflictResolved

	PolicyTrustScore   = types.PolicyTrustScore
	PolicyEarliestStep = types.PolicyEarliestStep
	PolicyDeviceOrder  = types.PolicyDeviceOrder

	SyncPending   = types.SyncPending
	SyncCompleted = types.SyncCompleted
	SyncFailed    = types.SyncFailed

	MigrationStarted   = types.MigrationStarted
	MigrationCompleted = types.MigrationCompleted
	MigrationFailed    = types.MigrationFailed
)

// TrustLevelForScore maps a trust score to its tier.
func TrustLevelForScore(score int) TrustLevel { return types.TrustLevelForScore(score) }
