package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/log"
	"pqratchet/internal/protocol/ratchet"
	"pqratchet/internal/services/negotiator"
	"pqratchet/internal/services/prekey"
	"pqratchet/internal/store"
)

const testConv domain.ConversationID = "conv-1"

var (
	hybrid3   = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel3}
	hybrid5   = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel5}
	classical = domain.Capability{Algorithm: domain.AlgorithmClassical, SecurityLevel: domain.SecurityLevel1}
)

// directory answers bundle, capability and participant lookups for every
// party of a test.
type directory struct {
	mu      sync.Mutex
	bundles map[domain.UserID]domain.PreKeyBundle
	caps    map[domain.UserID]domain.CapabilitySet
}

func (d *directory) FetchBundle(_ context.Context, u domain.UserID) (domain.PreKeyBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bundles[u]
	if !ok {
		return domain.PreKeyBundle{}, domain.ErrNotFound
	}
	return b, nil
}

func (d *directory) Capabilities(_ context.Context, u domain.UserID) (domain.CapabilitySet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps[u], nil
}

func (d *directory) Participants(context.Context, domain.ConversationID) ([]domain.UserID, error) {
	return []domain.UserID{"alice", "bob"}, nil
}

type party struct {
	key domain.StateKey
	svc *Service
	db  *store.DB
}

func newParty(t *testing.T, dir *directory, user domain.UserID, caps domain.CapabilitySet) *party {
	t.Helper()
	logs := log.Discard()
	db, err := store.OpenFile(filepath.Join(t.TempDir(), string(user)+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signPriv, signPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	enc, err := crypto.GenerateX25519()
	require.NoError(t, err)
	dev := domain.DeviceIdentity{
		DeviceID:            domain.DeviceID(string(user) + "-phone"),
		UserID:              user,
		SigningPublicKey:    signPub,
		EncryptionPublicKey: enc.Public,
	}

	pk := prekey.New(db, nil, nil, nil, logs.GetLogger("prekey"))
	_, err = pk.Rotate(dev, domain.DeviceKeys{SigningPrivate: signPriv, EncryptionPrivate: enc.Private})
	require.NoError(t, err)
	bundle, err := pk.Bundle(dev)
	require.NoError(t, err)
	dir.mu.Lock()
	dir.bundles[user] = bundle
	dir.caps[user] = caps
	dir.mu.Unlock()

	svc := New(Deps{
		Engine:     ratchet.New(ratchet.Config{}),
		Skipped:    ratchet.NewSkippedKeyStore(db, 0, nil),
		Ratchets:   db,
		Conflicts:  db,
		PreKeys:    db,
		Bundles:    dir,
		Directory:  dir,
		Negotiator: negotiator.New(db, dir, negotiator.Config{}, nil, logs.GetLogger("negotiator")),
		Log:        logs.GetLogger("session"),
	})
	svc.AddLocalDevice(LocalDevice{UserID: user, DeviceID: dev.DeviceID, Identity: enc})
	return &party{key: domain.StateKey{ConversationID: testConv, UserID: user}, svc: svc, db: db}
}

func newDirectory() *directory {
	return &directory{
		bundles: make(map[domain.UserID]domain.PreKeyBundle),
		caps:    make(map[domain.UserID]domain.CapabilitySet),
	}
}

func (p *party) send(t *testing.T, msg string) domain.EncryptedPayload {
	t.Helper()
	payload, err := p.svc.Encrypt(context.Background(), p.key, []byte(msg))
	require.NoError(t, err)
	return payload
}

func (p *party) recv(t *testing.T, payload domain.EncryptedPayload) string {
	t.Helper()
	pt, err := p.svc.Decrypt(context.Background(), p.key, payload)
	require.NoError(t, err)
	return string(pt)
}

func (p *party) state(t *testing.T) domain.RatchetState {
	t.Helper()
	st, ok, err := p.db.LoadRatchetState(p.key)
	require.NoError(t, err)
	require.True(t, ok)
	return st
}

func conversation(t *testing.T, caps domain.CapabilitySet) (alice, bob *party) {
	t.Helper()
	dir := newDirectory()
	return newParty(t, dir, "alice", caps), newParty(t, dir, "bob", caps)
}

func TestHybridLevel3Exchange(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3, classical})

	first := alice.send(t, "hello")
	require.NotNil(t, first.Metadata.Handshake)
	require.Equal(t, domain.CryptoVersionHybrid, first.Metadata.CryptoVersion)
	require.Equal(t, "hello", bob.recv(t, first))
	require.Equal(t, "world", alice.recv(t, bob.send(t, "world")))

	next := alice.send(t, "hi")
	require.Nil(t, next.Metadata.Handshake)
	require.Equal(t, "hi", bob.recv(t, next))

	for _, p := range []*party{alice, bob} {
		st := p.state(t)
		require.Equal(t, domain.AlgorithmHybrid, st.Algorithm)
		require.Equal(t, domain.SecurityLevel3, st.SecurityLevel)
		active, err := p.db.ActivePQKeys(st.ID)
		require.NoError(t, err)
		require.NotEmpty(t, active)
	}
}

func TestClassicalFallback(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{classical})
	payload := alice.send(t, "plain old")
	require.Equal(t, domain.CryptoVersionClassical, payload.Metadata.CryptoVersion)
	require.Equal(t, "plain old", bob.recv(t, payload))
}

func TestMessageWithoutStateOrHandshake(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3})
	payload := alice.send(t, "hello")
	payload.Metadata.Handshake = nil

	_, err := bob.svc.Decrypt(context.Background(), bob.key, payload)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
	_, ok, err := bob.db.LoadRatchetState(bob.key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTamperedFirstMessageStoresNothing(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3})
	payload := alice.send(t, "hello")
	payload.Ciphertext[0] ^= 0x01

	_, err := bob.svc.Decrypt(context.Background(), bob.key, payload)
	require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)
	_, ok, err := bob.db.LoadRatchetState(bob.key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenConflictBlocksEncryptOnly(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3})
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	reply := bob.send(t, "world")

	require.NoError(t, alice.db.SaveConflict(domain.KeyConflict{
		ID:     "c-1",
		Key:    alice.key,
		Status: domain.ConflictOpen,
	}))
	_, err := alice.svc.Encrypt(context.Background(), alice.key, []byte("blocked"))
	require.ErrorIs(t, err, domain.ErrConflictUnresolved)
	require.ErrorIs(t, alice.svc.Rekey(context.Background(), alice.key, hybrid5), domain.ErrConflictUnresolved)
	require.Equal(t, "world", alice.recv(t, reply))
}

// lockedConflicts fails the check when the state lock is not held while
// the conflict table is read.
type lockedConflicts struct {
	domain.ConflictStore
	svc      *Service
	calls    int
	unlocked int
}

func (c *lockedConflicts) OpenConflict(key domain.StateKey) (domain.KeyConflict, bool, error) {
	c.calls++
	if l := c.svc.lockFor(key); l.TryLock() {
		l.Unlock()
		c.unlocked++
	}
	return c.ConflictStore.OpenConflict(key)
}

func TestConflictCheckedUnderStateLock(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3, classical})
	conflicts := &lockedConflicts{ConflictStore: alice.db, svc: alice.svc}
	alice.svc.Conflicts = conflicts

	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	require.NoError(t, alice.svc.Rekey(context.Background(), alice.key, hybrid5))
	require.Equal(t, "again", bob.recv(t, alice.send(t, "again")))

	require.GreaterOrEqual(t, conflicts.calls, 3)
	require.Zero(t, conflicts.unlocked)
}

func TestFreshHandshakeReplacesSameSuiteSession(t *testing.T) {
	dir := newDirectory()
	caps := domain.CapabilitySet{hybrid3}
	alice := newParty(t, dir, "alice", caps)
	bob := newParty(t, dir, "bob", caps)
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	require.Equal(t, "world", alice.recv(t, bob.send(t, "world")))
	old := bob.state(t)

	// alice lost her store and starts over with the same suite.
	reborn := newParty(t, dir, "alice", caps)
	first := reborn.send(t, "new start")
	second := reborn.send(t, "still here")
	require.NotNil(t, first.Metadata.Handshake)
	require.Equal(t, "new start", bob.recv(t, first))

	st := bob.state(t)
	require.NotEqual(t, old.ID, st.ID)
	require.Equal(t, old.Version+1, st.Version)
	require.Equal(t, first.Metadata.Handshake.EphemeralKey, st.HandshakeEphemeral)

	// The handshake is echoed until bob replies; it belongs to the new state.
	require.Equal(t, second.Metadata.Handshake.EphemeralKey, st.HandshakeEphemeral)
	require.Equal(t, "still here", bob.recv(t, second))
	require.Equal(t, st.ID, bob.state(t).ID)
	require.Equal(t, "welcome back", reborn.recv(t, bob.send(t, "welcome back")))
}

func TestCrossingHandshakesSettleOnLowerKey(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3})
	fromAlice := alice.send(t, "from alice")
	fromBob := bob.send(t, "from bob")

	winner, loser := alice, bob
	win, lose := fromAlice, fromBob
	if bytes.Compare(fromBob.Metadata.Handshake.EphemeralKey[:], fromAlice.Metadata.Handshake.EphemeralKey[:]) < 0 {
		winner, loser = bob, alice
		win, lose = fromBob, fromAlice
	}

	_, err := winner.svc.Decrypt(context.Background(), winner.key, lose)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
	require.Equal(t, domain.RoleInitiator, winner.state(t).Role)

	require.NotEmpty(t, loser.recv(t, win))
	require.Equal(t, domain.RoleResponder, loser.state(t).Role)
	require.Equal(t, "settled", winner.recv(t, loser.send(t, "settled")))
	require.Equal(t, "agreed", loser.recv(t, winner.send(t, "agreed")))
}

func TestRekeyUpgradesBothSides(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3, classical})
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	require.Equal(t, "world", alice.recv(t, bob.send(t, "world")))
	before := alice.state(t)

	require.NoError(t, alice.svc.Rekey(context.Background(), alice.key, hybrid5))
	after := alice.state(t)
	require.NotEqual(t, before.ID, after.ID)
	require.Equal(t, before.Version+1, after.Version)
	require.Equal(t, domain.SecurityLevel5, after.SecurityLevel)

	upgraded := alice.send(t, "upgraded")
	require.NotNil(t, upgraded.Metadata.Handshake)
	require.Equal(t, "upgraded", bob.recv(t, upgraded))
	require.Equal(t, domain.SecurityLevel5, bob.state(t).SecurityLevel)
	require.Equal(t, "ack", alice.recv(t, bob.send(t, "ack")))

	// Rekeying to the running suite keeps the state.
	running := alice.state(t)
	require.NoError(t, alice.svc.Rekey(context.Background(), alice.key, hybrid5))
	require.Equal(t, running.ID, alice.state(t).ID)
	require.Equal(t, running.Version, alice.state(t).Version)
}

func TestDowngradeHandshakeRefused(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3, classical})
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	bobState := bob.state(t)

	require.NoError(t, alice.svc.Rekey(context.Background(), alice.key, classical))
	_, err := bob.svc.Decrypt(context.Background(), bob.key, alice.send(t, "weaker"))
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
	require.Equal(t, bobState.ID, bob.state(t).ID)
	require.Equal(t, bobState.Version, bob.state(t).Version)
}

func TestAdoptedStateKeepsTalking(t *testing.T) {
	dir := newDirectory()
	caps := domain.CapabilitySet{hybrid3}
	alice := newParty(t, dir, "alice", caps)
	bob := newParty(t, dir, "bob", caps)
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	require.Equal(t, "world", alice.recv(t, bob.send(t, "world")))

	snap, ok, err := alice.svc.Snapshot(alice.key)
	require.NoError(t, err)
	require.True(t, ok)

	// A second device of alice with its own store picks the state up.
	laptop := newParty(t, newDirectory(), "alice", caps)
	require.NoError(t, laptop.svc.Adopt(context.Background(), snap))
	require.Equal(t, ratchet.RootFingerprint(alice.state(t)), ratchet.RootFingerprint(laptop.state(t)))
	require.Equal(t, "from laptop", bob.recv(t, laptop.send(t, "from laptop")))
}

func TestRequestRatchetForcesStep(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3})
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	v := alice.state(t).Version

	require.NoError(t, alice.svc.RequestRatchet(context.Background(), alice.key))
	st := alice.state(t)
	require.True(t, st.ForceRatchet)
	require.Equal(t, v+1, st.Version)

	err := bob.svc.RequestRatchet(context.Background(), domain.StateKey{ConversationID: "other", UserID: "bob"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentEncryptsSerialise(t *testing.T) {
	alice, bob := conversation(t, domain.CapabilitySet{hybrid3})
	require.Equal(t, "hello", bob.recv(t, alice.send(t, "hello")))
	require.Equal(t, "world", alice.recv(t, bob.send(t, "world")))

	const n = 20
	payloads := make([]domain.EncryptedPayload, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := alice.svc.Encrypt(context.Background(), alice.key, []byte(fmt.Sprintf("m%d", i)))
			if err != nil {
				errs <- err
				return
			}
			payloads[i] = p
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("encrypt: %v", err)
	}

	seen := make(map[uint32]bool)
	for i, p := range payloads {
		require.Equal(t, fmt.Sprintf("m%d", i), bob.recv(t, p))
		n := p.Metadata.Hybrid.MessageNumber
		require.False(t, seen[n], "message number %d reused", n)
		seen[n] = true
	}
}

func TestNoLocalDevice(t *testing.T) {
	alice, _ := conversation(t, domain.CapabilitySet{hybrid3})
	alice.svc.RemoveLocalDevice("alice")
	require.False(t, alice.svc.Unlocked())
	_, err := alice.svc.Encrypt(context.Background(), alice.key, []byte("x"))
	require.True(t, errors.Is(err, ErrNoLocalDevice))
}
