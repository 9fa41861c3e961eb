package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"pqratchet/internal/config"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/ratchet"
	"pqratchet/internal/relay"
)

const (
	testConv       domain.ConversationID = "conv-e2e"
	testPassphrase                       = "Correct-Horse-9-Battery"
)

var level3 = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel3}

func newDevice(t *testing.T, hub *relay.Hub, user domain.UserID, name string, caps ...string) *App {
	t.Helper()
	cfg, err := config.Default(t.TempDir(), "")
	require.NoError(t, err)
	cfg.Logging.Disable = true
	cfg.Negotiation.Capabilities = caps

	w, err := NewWire(cfg, Options{Transport: hub, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	dev, err := w.Devices.RegisterDevice(user, name, testPassphrase)
	require.NoError(t, err)
	a, err := w.Unlock(dev.DeviceID, testPassphrase)
	require.NoError(t, err)
	t.Cleanup(a.Lock)
	return a
}

// pair makes a and b known to and verified by each other.
func pair(t *testing.T, a, b *App) {
	t.Helper()
	_, err := a.Devices.AddDevice(b.Device())
	require.NoError(t, err)
	_, err = a.Devices.VerifyDevice(b.Device().DeviceID, a.Device().DeviceID)
	require.NoError(t, err)
	_, err = b.Devices.AddDevice(a.Device())
	require.NoError(t, err)
	_, err = b.Devices.VerifyDevice(a.Device().DeviceID, b.Device().DeviceID)
	require.NoError(t, err)
}

func send(t *testing.T, a *App, msg string) domain.EncryptedPayload {
	t.Helper()
	p, err := a.Messages.Encrypt(context.Background(), []byte(msg), testConv, a.Device().UserID)
	require.NoError(t, err)
	return p
}

func recv(t *testing.T, a *App, p domain.EncryptedPayload) string {
	t.Helper()
	pt, err := a.Messages.Decrypt(context.Background(), p, testConv, a.Device().UserID)
	require.NoError(t, err)
	return string(pt)
}

func snapshot(t *testing.T, a *App) domain.RatchetState {
	t.Helper()
	st, ok, err := a.Sessions.Snapshot(a.Key(testConv))
	require.NoError(t, err)
	require.True(t, ok)
	return st
}

// setup publishes alice's phone and bob, then lets them exchange a first
// round trip over a level 3 hybrid session.
func setup(t *testing.T) (hub *relay.Hub, phone, bob *App) {
	t.Helper()
	ctx := context.Background()
	hub = relay.NewHub()
	phone = newDevice(t, hub, "alice", "phone", "hybrid-pqc/L3", "classical/L1")
	bob = newDevice(t, hub, "bob", "laptop", "hybrid-pqc/L3", "classical/L1")
	_, err := phone.Publish(ctx)
	require.NoError(t, err)
	_, err = bob.Publish(ctx)
	require.NoError(t, err)
	hub.SetParticipants(testConv, "alice", "bob")

	require.NoError(t, phone.Messages.EnableEncryption(ctx, testConv))
	first := send(t, phone, "hello bob")
	require.NotNil(t, first.Metadata.Handshake)
	require.Equal(t, domain.CryptoVersionHybrid, first.Metadata.CryptoVersion)
	require.Equal(t, "hello bob", recv(t, bob, first))
	require.Equal(t, "hello alice", recv(t, phone, send(t, bob, "hello alice")))
	return hub, phone, bob
}

func TestHybridConversationOverHub(t *testing.T) {
	_, phone, bob := setup(t)

	n, ok, err := phone.Negotiator.Current(testConv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, level3, n.Selected())

	enabled, err := bob.Messages.IsEncryptionEnabled(testConv, "bob")
	require.NoError(t, err)
	require.True(t, enabled)

	for i, msg := range []string{"one", "two", "three"} {
		if i%2 == 0 {
			require.Equal(t, msg, recv(t, bob, send(t, phone, msg)))
		} else {
			require.Equal(t, msg, recv(t, phone, send(t, bob, msg)))
		}
	}
	require.Equal(t, domain.EncryptionStatus{HasKeys: true, KeysLoaded: true}, phone.Messages.EncryptionStatus())
}

func TestStateFollowsToSecondDevice(t *testing.T) {
	ctx := context.Background()
	hub, phone, bob := setup(t)
	laptop := newDevice(t, hub, "alice", "laptop", "hybrid-pqc/L3", "classical/L1")
	pair(t, phone, laptop)

	pkgs, err := phone.Sync(ctx, testConv)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	require.Equal(t, laptop.Device().DeviceID, pkgs[0].TargetDeviceID)

	applied, err := laptop.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, ratchet.RootFingerprint(snapshot(t, phone)), ratchet.RootFingerprint(snapshot(t, laptop)))

	require.Equal(t, "for any device", recv(t, laptop, send(t, bob, "for any device")))
}

func TestDivergedDevicesConverge(t *testing.T) {
	ctx := context.Background()
	hub, phone, bob := setup(t)
	laptop := newDevice(t, hub, "alice", "laptop", "hybrid-pqc/L3", "classical/L1")
	pair(t, phone, laptop)
	_, err := phone.Sync(ctx, testConv)
	require.NoError(t, err)
	_, err = laptop.Pull(ctx)
	require.NoError(t, err)
	require.NoError(t, laptop.Messages.EnableEncryption(ctx, testConv))

	// The laptop receives while the phone sends: neither is ahead.
	require.Equal(t, "laptop only", recv(t, laptop, send(t, bob, "laptop only")))
	send(t, phone, "phone only")

	_, err = phone.Sync(ctx, testConv)
	require.NoError(t, err)
	_, err = laptop.Pull(ctx)
	require.NoError(t, err)

	c, open, err := laptop.Conflicts.Open(laptop.Key(testConv))
	require.NoError(t, err)
	require.True(t, open)
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	for _, st := range []domain.RatchetState{snapshot(t, phone), snapshot(t, laptop)} {
		require.NotContains(t, string(raw), base64.StdEncoding.EncodeToString(st.RootKey))
	}
	_, err = laptop.Messages.Encrypt(ctx, []byte("blocked"), testConv, "alice")
	require.True(t, errors.Is(err, domain.ErrConflictUnresolved))
	require.True(t, errors.Is(err, domain.ErrOperationFailed))

	res, err := laptop.Conflicts.Resolve(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, phone.Device().DeviceID, res[0].WinnerDeviceID)
	require.Equal(t, domain.PolicyTrustScore, res[0].Policy)

	// The loser stays blocked until its forced package is applied.
	_, open, err = laptop.Conflicts.Open(laptop.Key(testConv))
	require.NoError(t, err)
	require.True(t, open)
	applied, err := laptop.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	_, open, err = laptop.Conflicts.Open(laptop.Key(testConv))
	require.NoError(t, err)
	require.False(t, open)
	require.Equal(t, ratchet.RootFingerprint(snapshot(t, phone)), ratchet.RootFingerprint(snapshot(t, laptop)))

	lost, err := laptop.Devices.Device(laptop.Device().DeviceID)
	require.NoError(t, err)
	require.Less(t, lost.TrustScore, laptop.Device().TrustScore)
}

func TestOfflineDeviceGetsQueuedState(t *testing.T) {
	ctx := context.Background()
	hub, phone, _ := setup(t)
	laptop := newDevice(t, hub, "alice", "laptop", "hybrid-pqc/L3", "classical/L1")
	pair(t, phone, laptop)

	hub.SetOnline(laptop.Device().DeviceID, false)
	n, err := phone.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	items, err := phone.Queue.Items(laptop.Device().DeviceID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, domain.SyncPending, items[0].Status)

	hub.SetOnline(laptop.Device().DeviceID, true)
	res, err := phone.Queue.ProcessAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)

	applied, err := laptop.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
}

func TestRunAppliesPushedPackages(t *testing.T) {
	hub, phone, _ := setup(t)
	laptop := newDevice(t, hub, "alice", "laptop", "hybrid-pqc/L3", "classical/L1")
	pair(t, phone, laptop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- laptop.Run(ctx) }()

	want := ratchet.RootFingerprint(snapshot(t, phone))
	require.Eventually(t, func() bool {
		// Retry until the subscription is in place.
		if _, err := phone.Sync(context.Background(), testConv); err != nil {
			return false
		}
		st, ok, err := laptop.Sessions.Snapshot(laptop.Key(testConv))
		return err == nil && ok && ratchet.RootFingerprint(st) == want
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunPicksUpPackagesSentBeforeStart(t *testing.T) {
	hub, phone, _ := setup(t)
	laptop := newDevice(t, hub, "alice", "laptop", "hybrid-pqc/L3", "classical/L1")
	pair(t, phone, laptop)

	// Parked in the relay inbox: nobody is subscribed yet.
	pkgs, err := phone.Sync(context.Background(), testConv)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- laptop.Run(ctx) }()

	want := ratchet.RootFingerprint(snapshot(t, phone))
	require.Eventually(t, func() bool {
		st, ok, err := laptop.Sessions.Snapshot(laptop.Key(testConv))
		return err == nil && ok && ratchet.RootFingerprint(st) == want
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestUnlockRejectsWrongPassphrase(t *testing.T) {
	cfg, err := config.Default(t.TempDir(), "")
	require.NoError(t, err)
	cfg.Logging.Disable = true
	w, err := NewWire(cfg, Options{Transport: relay.NewHub()})
	require.NoError(t, err)
	defer w.Close()

	dev, err := w.Devices.RegisterDevice("alice", "phone", testPassphrase)
	require.NoError(t, err)
	_, err = w.Unlock(dev.DeviceID, "Wrong-Horse-9-Battery")
	require.Error(t, err)
	require.False(t, w.Sessions.Unlocked())
}
