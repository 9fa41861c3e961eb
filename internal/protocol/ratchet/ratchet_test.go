package ratchet

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/x3dh"
)

var testAD = []byte("conv-1")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type party struct {
	t      *testing.T
	engine *Engine
	state  domain.RatchetState
	cache  *SkippedKeyStore
}

func (p *party) send(msg string) domain.EncryptedPayload {
	p.t.Helper()
	tr, payload, err := p.engine.Encrypt(p.state, []byte(msg), testAD)
	require.NoError(p.t, err)
	p.commit(tr)
	return payload
}

func (p *party) recv(payload domain.EncryptedPayload) (string, error) {
	p.t.Helper()
	tr, pt, err := p.engine.Decrypt(p.state, payload, testAD, p.cache)
	if err != nil {
		return "", err
	}
	p.commit(tr)
	return string(pt), nil
}

func (p *party) commit(tr Transition) {
	p.t.Helper()
	require.Equal(p.t, p.state.Version, tr.ExpectedVersion)
	require.NoError(p.t, p.cache.Apply(tr.State.ID, tr.NewSkipped, tr.Consumed))
	p.state = tr.State
}

// newPair runs a handshake and returns initialised initiator and responder.
func newPair(t *testing.T, capability domain.Capability, cfg Config) (alice, bob *party) {
	t.Helper()
	suite, err := crypto.SuiteFor(capability)
	require.NoError(t, err)

	aliceID, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobID, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)

	pair, err := crypto.GenerateX25519()
	require.NoError(t, err)
	spk := domain.SignedPreKeyPair{ID: "spk-1", Pair: pair}
	var pq domain.PostQuantumPreKeyPair
	if suite.Hybrid() {
		pq.SecurityLevel = capability.SecurityLevel
		pq.KEM, err = suite.KEM().GenerateKeyPair()
		require.NoError(t, err)
		pq.Sign, err = suite.Signer().GenerateKeyPair()
		require.NoError(t, err)
		spk.PostQuantum = []domain.PostQuantumPreKeyPair{pq}
	}
	spk.Signature = crypto.SignEd25519(edPriv, x3dh.SignedPreKeyMessage(pair.Public, spk.PublicPostQuantum()))
	bundle := domain.PreKeyBundle{
		UserID:                "bob",
		IdentityKey:           bobID.Public,
		SigningKey:            edPub,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          pair.Public,
		SignedPreKeySignature: spk.Signature,
		PostQuantum:           spk.PublicPostQuantum(),
	}

	res, err := x3dh.Initiate(suite, aliceID, bundle)
	require.NoError(t, err)
	secret, err := x3dh.Respond(suite, bobID, spk, res.Handshake)
	require.NoError(t, err)

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	engine := New(cfg)

	ta, err := engine.Initialize(InitParams{
		Key:                 domain.StateKey{ConversationID: "conv-1", UserID: "alice"},
		Role:                domain.RoleInitiator,
		Suite:               suite,
		SharedSecret:        res.SharedSecret,
		LocalEphemeral:      res.Ephemeral,
		PeerEphemeral:       bundle.SignedPreKey,
		LocalKEM:            res.KEM,
		PeerKEMPublic:       pq.KEM.Public,
		LocalSignature:      res.Signature,
		PeerSignaturePublic: pq.Sign.Public,
		Handshake:           &res.Handshake,
	})
	require.NoError(t, err)
	tb, err := engine.Initialize(InitParams{
		Key:                 domain.StateKey{ConversationID: "conv-1", UserID: "bob"},
		Role:                domain.RoleResponder,
		Suite:               suite,
		SharedSecret:        secret,
		LocalEphemeral:      spk.Pair,
		PeerEphemeral:       res.Handshake.EphemeralKey,
		LocalKEM:            pq.KEM,
		PeerKEMPublic:       res.Handshake.KEMPublicKey,
		LocalSignature:      pq.Sign,
		PeerSignaturePublic: res.Handshake.SignaturePublicKey,
	})
	require.NoError(t, err)

	alice = &party{t: t, engine: engine, state: ta.State, cache: NewSkippedKeyStore(nil, 0, cfg.Clock)}
	bob = &party{t: t, engine: engine, state: tb.State, cache: NewSkippedKeyStore(nil, 0, cfg.Clock)}
	return alice, bob
}

var (
	classicalL1 = domain.Capability{Algorithm: domain.AlgorithmClassical, SecurityLevel: domain.SecurityLevel1}
	hybridL3    = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel3}
	hybridL5    = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel5}
)

func TestHybridLevel3Conversation(t *testing.T) {
	alice, bob := newPair(t, hybridL3, Config{})

	hello := alice.send("hello")
	world := alice.send("world")
	require.Equal(t, domain.CryptoVersionHybrid, hello.Metadata.CryptoVersion)
	require.Equal(t, uint32(0), hello.Metadata.Hybrid.MessageNumber)
	require.Equal(t, uint32(1), world.Metadata.Hybrid.MessageNumber)
	require.NotNil(t, hello.Metadata.Handshake)

	var got []string
	for _, p := range []domain.EncryptedPayload{hello, world} {
		m, err := bob.recv(p)
		require.NoError(t, err)
		got = append(got, m)
	}
	require.Equal(t, []string{"hello", "world"}, got)

	hi := bob.send("hi")
	require.Equal(t, uint32(0), hi.Metadata.Hybrid.MessageNumber)

	// Alice's receiving chain is current, so no cache is needed.
	tr, pt, err := alice.engine.Decrypt(alice.state, hi, testAD, nil)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))
	require.Empty(t, tr.Consumed)
	alice.commit(tr)

	require.Nil(t, alice.state.PendingHandshake)
	require.Nil(t, alice.send("again").Metadata.Handshake)
}

func TestRoundTripAcrossRatchetSteps(t *testing.T) {
	for _, c := range []domain.Capability{classicalL1, hybridL3, hybridL5} {
		t.Run(fmt.Sprintf("%s-L%d", c.Algorithm, c.SecurityLevel), func(t *testing.T) {
			alice, bob := newPair(t, c, Config{RatchetInterval: 3})
			root := bytes.Clone(alice.state.RootKey)

			for round := 0; round < 6; round++ {
				for i := 0; i < 4; i++ {
					msg := fmt.Sprintf("a%d-%d", round, i)
					got, err := bob.recv(alice.send(msg))
					require.NoError(t, err)
					require.Equal(t, msg, got)
				}
				for i := 0; i < 4; i++ {
					msg := fmt.Sprintf("b%d-%d", round, i)
					got, err := alice.recv(bob.send(msg))
					require.NoError(t, err)
					require.Equal(t, msg, got)
				}
			}

			require.Greater(t, alice.state.DHSteps, uint64(4))
			require.Equal(t, alice.state.DHSteps, bob.state.DHSteps)
			require.Equal(t, alice.state.RootKey, bob.state.RootKey)
			require.NotEqual(t, root, alice.state.RootKey)
			require.Equal(t, RootFingerprint(alice.state), RootFingerprint(bob.state))
		})
	}
}

func TestOnlyTurnHolderSteps(t *testing.T) {
	alice, bob := newPair(t, classicalL1, Config{})

	bob.state.ForceRatchet = true
	got, err := alice.recv(bob.send("early"))
	require.NoError(t, err)
	require.Equal(t, "early", got)
	require.Zero(t, bob.state.DHSteps, "responder stepped without the turn")

	alice.state.ForceRatchet = true
	got, err = bob.recv(alice.send("step"))
	require.NoError(t, err)
	require.Equal(t, "step", got)
	require.False(t, alice.state.RatchetTurn)
	require.True(t, bob.state.RatchetTurn)

	// Bob's pending request is honoured now that he holds the turn.
	got, err = alice.recv(bob.send("reply"))
	require.NoError(t, err)
	require.Equal(t, "reply", got)
	require.Equal(t, uint64(2), bob.state.DHSteps)
	require.Equal(t, alice.state.RootKey, bob.state.RootKey)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := newPair(t, hybridL3, Config{})

	var msgs []domain.EncryptedPayload
	for i := 1; i <= 5; i++ {
		msgs = append(msgs, alice.send(fmt.Sprintf("m%d", i)))
	}

	for _, n := range []int{1, 3, 2, 5, 4} {
		got, err := bob.recv(msgs[n-1])
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("m%d", n), got)
	}
	require.Zero(t, bob.cache.Len(bob.state.ID))

	_, err := bob.recv(msgs[2])
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
}

func TestOutOfOrderAcrossStep(t *testing.T) {
	alice, bob := newPair(t, classicalL1, Config{RatchetInterval: 2})

	m0 := alice.send("m0")
	m1 := alice.send("m1")
	m2 := alice.send("m2") // new chain
	require.NotEqual(t, m0.Metadata.Classical.EphemeralPublicKey, m2.Metadata.Classical.EphemeralPublicKey)
	require.Equal(t, uint32(2), m2.Metadata.Classical.PreviousChainLength)

	for _, p := range []domain.EncryptedPayload{m2, m0, m1} {
		_, err := bob.recv(p)
		require.NoError(t, err)
	}
	_, err := bob.recv(m1)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
}

func TestSkipLimit(t *testing.T) {
	alice, bob := newPair(t, classicalL1, Config{MaxSkip: 10})

	var last domain.EncryptedPayload
	for i := 0; i < 12; i++ {
		last = alice.send("x")
	}
	_, err := bob.recv(last)
	require.ErrorIs(t, err, domain.ErrSkipLimitExceeded)
	require.Zero(t, bob.state.ReceivingMessageNumber)
}

func TestSkippedKeyExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	alice, bob := newPair(t, classicalL1, Config{Clock: clock.Now, SkippedKeyTTL: time.Hour})

	m0 := alice.send("m0")
	m1 := alice.send("m1")
	_, err := bob.recv(m1)
	require.NoError(t, err)
	require.Equal(t, 1, bob.cache.Len(bob.state.ID))

	clock.t = clock.t.Add(time.Hour + time.Second)
	_, err = bob.recv(m0)
	require.ErrorIs(t, err, domain.ErrKeyExpired)
	require.Zero(t, bob.cache.Len(bob.state.ID))

	_, err = bob.recv(m0)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
}

func TestTamperDetection(t *testing.T) {
	alice, bob := newPair(t, hybridL3, Config{})
	p := alice.send("secret")
	version := bob.state.Version

	for i := 0; i < len(p.Ciphertext)*8; i += 7 {
		bad := p
		bad.Ciphertext = bytes.Clone(p.Ciphertext)
		bad.Ciphertext[i/8] ^= 1 << (i % 8)
		_, err := bob.recv(bad)
		require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)
	}

	h := *p.Metadata.Hybrid
	h.Signature = bytes.Clone(h.Signature)
	h.Signature[len(h.Signature)/2] ^= 0x10
	bad := p
	bad.Metadata.Hybrid = &h
	_, err := bob.recv(bad)
	require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)

	bad = p
	bad.AuthTag = bytes.Clone(p.AuthTag)
	bad.AuthTag[0] ^= 0x80
	_, err = bob.recv(bad)
	require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)

	require.Equal(t, version, bob.state.Version, "rejected messages mutated state")
	got, err := bob.recv(p)
	require.NoError(t, err)
	require.Equal(t, "secret", got)
}

func TestClassicalTamperDetection(t *testing.T) {
	alice, bob := newPair(t, classicalL1, Config{})
	p := alice.send("secret")

	bad := p
	bad.Ciphertext = bytes.Clone(p.Ciphertext)
	bad.Ciphertext[0] ^= 1
	_, err := bob.recv(bad)
	require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)

	c := *p.Metadata.Classical
	c.PreviousChainLength = 9
	bad = p
	bad.Metadata.Classical = &c
	_, err = bob.recv(bad)
	require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)
}

func TestForwardSecrecy(t *testing.T) {
	alice, bob := newPair(t, hybridL3, Config{})

	old := alice.send("before")
	_, err := bob.recv(old)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		alice.state.ForceRatchet = true
		_, err := bob.recv(alice.send("a"))
		require.NoError(t, err)
		bob.state.ForceRatchet = true
		_, err = alice.recv(bob.send("b"))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(6), bob.state.DHSteps)

	// Neither the cache nor the post-step chains can reproduce the old key:
	// the stale ratchet key is tried as a fresh step, which cannot
	// authenticate, and bob's state is left as it was.
	before := bob.state.Version
	_, err = bob.recv(old)
	require.ErrorIs(t, err, domain.ErrDecryptionAuthFailure)
	require.Equal(t, before, bob.state.Version)
	require.Zero(t, bob.cache.Len(bob.state.ID))

	got, err := bob.recv(alice.send("after"))
	require.NoError(t, err)
	require.Equal(t, "after", got)
}

func TestBothSidesRecordTheHandshakeKey(t *testing.T) {
	alice, bob := newPair(t, classicalL1, Config{})
	require.NotEqual(t, domain.X25519Public{}, alice.state.HandshakeEphemeral)
	require.Equal(t, alice.state.HandshakeEphemeral, bob.state.HandshakeEphemeral)
	require.Equal(t, alice.state.PendingHandshake.EphemeralKey, alice.state.HandshakeEphemeral)
}

func TestHeaderVersionMismatch(t *testing.T) {
	alice, bob := newPair(t, hybridL3, Config{})
	p := alice.send("x")
	bad := p
	bad.Metadata = domain.Metadata{CryptoVersion: domain.CryptoVersionClassical, Classical: &p.Metadata.Hybrid.ClassicalHeader}
	_, err := bob.recv(bad)
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	bad.Metadata = domain.Metadata{CryptoVersion: 9}
	_, err = bob.recv(bad)
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
}

func TestInitializeProducesPQActivations(t *testing.T) {
	alice, _ := newPair(t, hybridL3, Config{})
	require.True(t, alice.state.PQCEnabled)
	require.True(t, alice.state.RatchetTurn)

	alice.state.ForceRatchet = true
	tr, _, err := alice.engine.Encrypt(alice.state, []byte("x"), testAD)
	require.NoError(t, err)
	require.True(t, tr.Stepped)
	require.Len(t, tr.Activate, 2)
	for _, m := range tr.Activate {
		require.Equal(t, alice.state.ID, m.RatchetStateID)
		require.True(t, m.IsActive)
	}
	require.NotEqual(t, alice.state.SendingKEM.Public, tr.State.SendingKEM.Public)
	require.NotEmpty(t, tr.State.SendingKEMCiphertext)
}

func TestAdoptContinuesConversation(t *testing.T) {
	alice, bob := newPair(t, hybridL3, Config{})
	_, err := bob.recv(alice.send("from phone"))
	require.NoError(t, err)

	tr, err := alice.engine.Adopt(alice.state, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), tr.ExpectedVersion)
	require.Equal(t, uint64(8), tr.State.Version)
	require.Len(t, tr.Activate, 4)
	require.Equal(t, alice.state.RootKey, tr.State.RootKey)

	laptop := &party{t: t, engine: alice.engine, state: tr.State, cache: NewSkippedKeyStore(nil, 0, time.Now)}
	got, err := bob.recv(laptop.send("from laptop"))
	require.NoError(t, err)
	require.Equal(t, "from laptop", got)
}

func TestAdoptRejectsTruncatedKeys(t *testing.T) {
	alice, _ := newPair(t, classicalL1, Config{})
	snap := Clone(alice.state)
	snap.RootKey = snap.RootKey[:16]
	_, err := alice.engine.Adopt(snap, 0)
	require.ErrorIs(t, err, domain.ErrInvalidKeyMaterial)
}
