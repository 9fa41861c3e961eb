package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/x3dh"
)

var (
	// ErrDeviceOffline is returned by Deliver for a device that cannot be
	// reached right now.
	ErrDeviceOffline = errors.New("relay: device offline")
	// ErrBadBundle is returned when a published bundle's pre-key signature
	// does not verify.
	ErrBadBundle = errors.New("relay: bundle signature does not verify")
)

// Hub is an in-memory relay shared by every device of a process.
type Hub struct {
	mu      sync.Mutex
	bundles map[domain.UserID]domain.PreKeyBundle
	convs   map[domain.ConversationID][]domain.UserID
	inbox   map[domain.DeviceID][]domain.KeySyncPackage
	subs    map[domain.DeviceID]chan domain.KeySyncPackage
	offline map[domain.DeviceID]bool
}

// NewHub returns an empty relay.
func NewHub() *Hub {
	return &Hub{
		bundles: make(map[domain.UserID]domain.PreKeyBundle),
		convs:   make(map[domain.ConversationID][]domain.UserID),
		inbox:   make(map[domain.DeviceID][]domain.KeySyncPackage),
		subs:    make(map[domain.DeviceID]chan domain.KeySyncPackage),
		offline: make(map[domain.DeviceID]bool),
	}
}

// PublishBundle stores b as the current bundle of its user.
func (h *Hub) PublishBundle(_ context.Context, b domain.PreKeyBundle) error {
	if !x3dh.VerifySPK(b) {
		return fmt.Errorf("%w: %s/%s", ErrBadBundle, b.UserID, b.DeviceID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bundles[b.UserID] = b
	return nil
}

// FetchBundle returns the current bundle of user.
func (h *Hub) FetchBundle(_ context.Context, user domain.UserID) (domain.PreKeyBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bundles[user]
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("bundle of %s: %w", user, domain.ErrNotFound)
	}
	return b, nil
}

// Capabilities returns what user's bundle advertises.
func (h *Hub) Capabilities(ctx context.Context, user domain.UserID) (domain.CapabilitySet, error) {
	b, err := h.FetchBundle(ctx, user)
	if err != nil {
		return nil, err
	}
	return slices.Clone(b.Capabilities), nil
}

// SetParticipants records the members of conv.
func (h *Hub) SetParticipants(conv domain.ConversationID, users ...domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.convs[conv] = slices.Clone(users)
}

// Participants returns the members of conv.
func (h *Hub) Participants(_ context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	users, ok := h.convs[conv]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conv, domain.ErrNotFound)
	}
	return slices.Clone(users), nil
}

// SetOnline marks device reachable or not. Deliveries to an offline device
// fail so the sender queues them.
func (h *Hub) SetOnline(device domain.DeviceID, online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if online {
		delete(h.offline, device)
	} else {
		h.offline[device] = true
	}
}

// Deliver pushes p to its target's subscription, or keeps it until the
// target fetches.
func (h *Hub) Deliver(ctx context.Context, p domain.KeySyncPackage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline[p.TargetDeviceID] {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, p.TargetDeviceID)
	}
	if ch, ok := h.subs[p.TargetDeviceID]; ok {
		select {
		case ch <- p:
			return nil
		default:
		}
	}
	h.inbox[p.TargetDeviceID] = append(h.inbox[p.TargetDeviceID], p)
	return nil
}

// Fetch drains the packages waiting for device.
func (h *Hub) Fetch(_ context.Context, device domain.DeviceID) ([]domain.KeySyncPackage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.inbox[device]
	delete(h.inbox, device)
	return out, nil
}

// Subscribe returns a channel receiving packages pushed to device and a
// function that ends the subscription and closes the channel. When the
// buffer is full, packages wait in the inbox for Fetch.
func (h *Hub) Subscribe(device domain.DeviceID, buffer int) (<-chan domain.KeySyncPackage, func()) {
	ch := make(chan domain.KeySyncPackage, buffer)
	h.mu.Lock()
	if old, ok := h.subs[device]; ok {
		close(old)
	}
	h.subs[device] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.subs[device] == ch {
				delete(h.subs, device)
				close(ch)
			}
		})
	}
}

var (
	_ domain.BundleFetcher         = (*Hub)(nil)
	_ domain.BundlePublisher       = (*Hub)(nil)
	_ domain.CapabilityProvider    = (*Hub)(nil)
	_ domain.ConversationDirectory = (*Hub)(nil)
	_ domain.SyncTransport         = (*Hub)(nil)
)
