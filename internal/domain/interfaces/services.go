package interfaces

import (
	"context"

	domaintypes "pqratchet/internal/domain/types"
)

// MessageService is the surface the surrounding message layer calls.
type MessageService interface {
	EnableEncryption(ctx context.Context, conv domaintypes.ConversationID) error
	IsEncryptionEnabled(conv domaintypes.ConversationID, user domaintypes.UserID) (bool, error)
	EncryptionStatus() domaintypes.EncryptionStatus
	Encrypt(
		ctx context.Context,
		plaintext []byte,
		conv domaintypes.ConversationID,
		user domaintypes.UserID,
	) (domaintypes.EncryptedPayload, error)
	Decrypt(
		ctx context.Context,
		payload domaintypes.EncryptedPayload,
		conv domaintypes.ConversationID,
		user domaintypes.UserID,
	) ([]byte, error)
}

// DeviceRegistry manages a user's device identities and their trust.
type DeviceRegistry interface {
	RegisterDevice(
		user domaintypes.UserID,
		name string,
		passphrase string,
	) (domaintypes.DeviceIdentity, error)
	AddDevice(dev domaintypes.DeviceIdentity) (domaintypes.DeviceIdentity, error)
	VerifyDevice(target, verifier domaintypes.DeviceID) (domaintypes.DeviceIdentity, error)
	RevokeDevice(id domaintypes.DeviceID, reason string) (domaintypes.DeviceIdentity, error)
	Device(id domaintypes.DeviceID) (domaintypes.DeviceIdentity, error)
	Devices(user domaintypes.UserID) ([]domaintypes.DeviceIdentity, error)
	UnlockKeys(id domaintypes.DeviceID, passphrase string) (domaintypes.DeviceKeys, error)
	PenalizeConflictLoss(id domaintypes.DeviceID) (domaintypes.DeviceIdentity, error)
	RecordSyncFailure(device domaintypes.DeviceID, reason string) error
}

// Negotiator agrees on a cipher suite per conversation.
type Negotiator interface {
	Negotiate(
		ctx context.Context,
		conv domaintypes.ConversationID,
		participants []domaintypes.UserID,
	) (domaintypes.AlgorithmNegotiation, error)
	Current(conv domaintypes.ConversationID) (domaintypes.AlgorithmNegotiation, bool, error)
}
