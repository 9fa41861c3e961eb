package interfaces

import (
	"context"

	domaintypes "pqratchet/internal/domain/types"
)

// BundleFetcher returns a peer's current public identity and pre-key bundle.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, user domaintypes.UserID) (domaintypes.PreKeyBundle, error)
}

// BundlePublisher uploads the local device's bundle.
type BundlePublisher interface {
	PublishBundle(ctx context.Context, bundle domaintypes.PreKeyBundle) error
}

// CapabilityProvider exposes each party's supported algorithms and levels.
type CapabilityProvider interface {
	Capabilities(ctx context.Context, user domaintypes.UserID) (domaintypes.CapabilitySet, error)
}

// ConversationDirectory resolves the participants of a conversation.
type ConversationDirectory interface {
	Participants(ctx context.Context, conv domaintypes.ConversationID) ([]domaintypes.UserID, error)
}

// SyncTransport delivers packages to devices and lets a device pull its own.
type SyncTransport interface {
	Deliver(ctx context.Context, pkg domaintypes.KeySyncPackage) error
	Fetch(ctx context.Context, device domaintypes.DeviceID) ([]domaintypes.KeySyncPackage, error)
}

// SyncFailureReporter receives permanently failed sync deliveries.
type SyncFailureReporter interface {
	RecordSyncFailure(device domaintypes.DeviceID, reason string) error
}
