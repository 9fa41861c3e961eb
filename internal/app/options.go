package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pqratchet/internal/domain"
)

// Transport is everything a device needs from its relay.
type Transport interface {
	domain.BundleFetcher
	domain.BundlePublisher
	domain.CapabilityProvider
	domain.ConversationDirectory
	domain.SyncTransport
}

// Subscriber is implemented by transports that push packages as they
// arrive; others are polled.
type Subscriber interface {
	Subscribe(device domain.DeviceID, buffer int) (<-chan domain.KeySyncPackage, func())
}

// Options holds runtime wiring that does not come from the config file.
type Options struct {
	Transport Transport             // required
	Registry  prometheus.Registerer // optional; nil disables metrics
	Clock     func() time.Time      // optional; defaults to time.Now
}
