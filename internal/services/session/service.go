package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/instrument"
	"pqratchet/internal/protocol/ratchet"
	"pqratchet/internal/protocol/x3dh"
	"pqratchet/internal/util/memzero"
)

const lockStripes = 64

var (
	// ErrNoLocalDevice is returned when no unlocked device exists for a user.
	ErrNoLocalDevice = errors.New("session: no unlocked local device for user")
	// ErrNoPeer is returned when a conversation does not have exactly one
	// participant besides the local user.
	ErrNoPeer = errors.New("session: conversation has no single peer")

	errNoState = errors.New("session: no ratchet state")
)

// LocalDevice is an unlocked device identity able to run key agreement.
type LocalDevice struct {
	UserID   domain.UserID
	DeviceID domain.DeviceID
	Identity domain.X25519KeyPair
}

// Deps are the collaborators of a Service.
type Deps struct {
	Engine     *ratchet.Engine
	Skipped    *ratchet.SkippedKeyStore
	Ratchets   domain.RatchetStore
	Conflicts  domain.ConflictStore
	PreKeys    domain.PreKeyStore
	Bundles    domain.BundleFetcher
	Directory  domain.ConversationDirectory
	Negotiator domain.Negotiator
	Metrics    *instrument.Metrics
	Log        *logging.Logger
}

// Service owns every ratchet state of the local device. Mutations of one
// StateKey are serialised by a striped lock; load, engine step, commit and
// cache update happen under it, while network I/O never does.
type Service struct {
	Deps

	locks [lockStripes]sync.Mutex

	mu    sync.RWMutex
	local map[domain.UserID]LocalDevice
}

// New constructs a session Service.
func New(d Deps) *Service {
	return &Service{Deps: d, local: make(map[domain.UserID]LocalDevice)}
}

// AddLocalDevice makes dev available for key agreement on behalf of its user.
func (s *Service) AddLocalDevice(dev LocalDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.local[dev.UserID]; ok {
		memzero.Zero(old.Identity.Private[:])
	}
	s.local[dev.UserID] = dev
}

// RemoveLocalDevice forgets and wipes the unlocked identity of user.
func (s *Service) RemoveLocalDevice(user domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.local[user]; ok {
		memzero.Zero(old.Identity.Private[:])
		delete(s.local, user)
	}
}

// LocalDevice returns the unlocked device of user.
func (s *Service) LocalDevice(user domain.UserID) (LocalDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.local[user]
	return dev, ok
}

// Unlocked reports whether any local device is unlocked.
func (s *Service) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local) > 0
}

func (s *Service) lockFor(key domain.StateKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.ConversationID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.UserID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Encrypt seals plaintext for the conversation of key, establishing a
// session with the peer first when none exists.
func (s *Service) Encrypt(ctx context.Context, key domain.StateKey, plaintext []byte) (domain.EncryptedPayload, error) {
	payload, err := s.encrypt(ctx, key, plaintext)
	if !errors.Is(err, errNoState) {
		return payload, err
	}
	if err := s.establish(ctx, key, nil); err != nil {
		return domain.EncryptedPayload{}, err
	}
	return s.encrypt(ctx, key, plaintext)
}

func (s *Service) encrypt(ctx context.Context, key domain.StateKey, plaintext []byte) (domain.EncryptedPayload, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	// An open conflict blocks the state for as long as the lock is held.
	if err := s.checkConflict(key); err != nil {
		return domain.EncryptedPayload{}, err
	}
	st, ok, err := s.Ratchets.LoadRatchetState(key)
	if err != nil {
		return domain.EncryptedPayload{}, err
	}
	if !ok {
		return domain.EncryptedPayload{}, errNoState
	}
	defer ratchet.Wipe(&st)

	tr, payload, err := s.Engine.Encrypt(st, plaintext, associatedData(key))
	if err != nil {
		return domain.EncryptedPayload{}, err
	}
	if err := s.commit(ctx, &tr); err != nil {
		return domain.EncryptedPayload{}, err
	}
	return payload, nil
}

// establish runs the initiator handshake. Bundle fetch and negotiation
// happen before the state lock is taken; if another caller established the
// session meanwhile, the fresh state is discarded. With a non-nil to the
// handshake runs that capability and replaces any existing state.
func (s *Service) establish(ctx context.Context, key domain.StateKey, to *domain.Capability) error {
	dev, ok := s.LocalDevice(key.UserID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLocalDevice, key.UserID)
	}
	participants, err := s.Directory.Participants(ctx, key.ConversationID)
	if err != nil {
		return fmt.Errorf("participants of %s: %w", key.ConversationID, err)
	}
	peer, err := peerOf(participants, key.UserID)
	if err != nil {
		return err
	}
	var want domain.Capability
	if to != nil {
		want = *to
	} else {
		neg, err := s.Negotiator.Negotiate(ctx, key.ConversationID, participants)
		if err != nil {
			return err
		}
		want = neg.Selected()
	}
	suite, err := crypto.SuiteFor(want)
	if err != nil {
		return err
	}
	bundle, err := s.Bundles.FetchBundle(ctx, peer)
	if err != nil {
		return fmt.Errorf("fetch bundle of %s: %w", peer, err)
	}

	res, err := x3dh.Initiate(suite, dev.Identity, bundle)
	if err != nil {
		return err
	}
	defer memzero.ZeroAll(res.SharedSecret, res.Ephemeral.Private[:], res.KEM.Secret, res.Signature.Secret)
	pq, _ := bundle.PostQuantumFor(suite.Capability.SecurityLevel)

	tr, err := s.Engine.Initialize(ratchet.InitParams{
		Key:                 key,
		Role:                domain.RoleInitiator,
		Suite:               suite,
		SharedSecret:        res.SharedSecret,
		LocalEphemeral:      res.Ephemeral,
		PeerEphemeral:       bundle.SignedPreKey,
		LocalKEM:            res.KEM,
		PeerKEMPublic:       pq.KEMPublicKey,
		LocalSignature:      res.Signature,
		PeerSignaturePublic: pq.SignaturePublicKey,
		Handshake:           &res.Handshake,
	})
	if err != nil {
		return err
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	if to != nil {
		if err := s.checkConflict(key); err != nil {
			tr.Discard()
			return err
		}
	}
	cur, exists, err := s.Ratchets.LoadRatchetState(key)
	if err != nil || (exists && (to == nil || cur.Algorithm == to.Algorithm && cur.SecurityLevel == to.SecurityLevel)) {
		ratchet.Wipe(&cur)
		tr.Discard()
		return err
	}
	if exists {
		defer ratchet.Wipe(&cur)
		tr.ExpectedVersion = cur.Version
		tr.State.Version = cur.Version + 1
	}
	if err := s.commit(ctx, &tr); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) && to == nil {
			return nil
		}
		return err
	}
	if exists {
		if err := s.Skipped.Drop(cur.ID); err != nil {
			s.Log.Warningf("drop skipped keys of replaced state %s: %v", cur.ID, err)
		}
	}
	s.Metrics.SessionEstablished(domain.RoleInitiator.String(), string(suite.Capability.Algorithm))
	s.Log.Noticef("established %s with %s using %s", key, peer, suite)
	return nil
}

// Rekey replaces the state of key with a fresh session running to. The
// peer switches over when the handshake on the next message reaches it.
// A state already running to is kept.
func (s *Service) Rekey(ctx context.Context, key domain.StateKey, to domain.Capability) error {
	return s.establish(ctx, key, &to)
}

// Decrypt opens payload for key. A message carrying the handshake of the
// current state is an ordinary message. Any other handshake creates the
// responder state, or replaces the current one when it runs a no weaker
// suite: the peer has rekeyed or started over. When both sides initiated
// at once, the handshake with the lower ephemeral key wins on both.
// Nothing is stored unless the message decrypts.
func (s *Service) Decrypt(ctx context.Context, key domain.StateKey, payload domain.EncryptedPayload) ([]byte, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	st, ok, err := s.Ratchets.LoadRatchetState(key)
	if err != nil {
		return nil, err
	}
	if ok {
		defer ratchet.Wipe(&st)
	}
	hs := payload.Metadata.Handshake
	if ok && (hs == nil || sameSession(st, *hs)) {
		tr, pt, err := s.Engine.Decrypt(st, payload, associatedData(key), s.Skipped)
		if err != nil {
			return nil, err
		}
		if err := s.commit(ctx, &tr); err != nil {
			memzero.Zero(pt)
			return nil, err
		}
		return pt, nil
	}

	if hs == nil {
		return nil, fmt.Errorf("no ratchet state for %s: %w", key, domain.ErrRatchetDesync)
	}
	offered := domain.Capability{Algorithm: hs.Algorithm, SecurityLevel: hs.SecurityLevel}
	if ok && !atLeast(offered, domain.Capability{Algorithm: st.Algorithm, SecurityLevel: st.SecurityLevel}) {
		return nil, fmt.Errorf("handshake would downgrade %s from %s/%d: %w", key, st.Algorithm, st.SecurityLevel, domain.ErrUnsupportedAlgorithm)
	}
	if ok && st.PendingHandshake != nil && bytes.Compare(hs.EphemeralKey[:], st.PendingHandshake.EphemeralKey[:]) >= 0 {
		return nil, fmt.Errorf("crossing handshake on %s yields to ours: %w", key, domain.ErrRatchetDesync)
	}
	boot, err := s.respond(key, *hs)
	if err != nil {
		return nil, err
	}
	defer boot.Discard()

	tr, pt, err := s.Engine.Decrypt(boot.State, payload, associatedData(key), s.Skipped)
	if err != nil {
		return nil, err
	}
	tr.ExpectedVersion = boot.ExpectedVersion
	if ok {
		tr.ExpectedVersion = st.Version
		tr.State.Version = st.Version + 1
	}
	tr.Activate = append(boot.Activate, tr.Activate...)
	if err := s.commit(ctx, &tr); err != nil {
		memzero.Zero(pt)
		return nil, err
	}
	if ok {
		if err := s.Skipped.Drop(st.ID); err != nil {
			s.Log.Warningf("drop skipped keys of replaced state %s: %v", st.ID, err)
		}
		s.Log.Noticef("replaced session %s: %s/%d -> %s/%d", key, st.Algorithm, st.SecurityLevel, hs.Algorithm, hs.SecurityLevel)
	} else {
		s.Log.Noticef("accepted session %s", key)
	}
	s.Metrics.SessionEstablished(domain.RoleResponder.String(), string(boot.State.Algorithm))
	return pt, nil
}

// sameSession reports whether hs is the handshake st was created from.
func sameSession(st domain.RatchetState, hs domain.Handshake) bool {
	return st.Algorithm == hs.Algorithm && st.SecurityLevel == hs.SecurityLevel &&
		st.HandshakeEphemeral == hs.EphemeralKey
}

// atLeast reports whether offered is no weaker than negotiated.
func atLeast(offered, negotiated domain.Capability) bool {
	if offered.SecurityLevel != negotiated.SecurityLevel {
		return offered.SecurityLevel > negotiated.SecurityLevel
	}
	return offered.Algorithm == negotiated.Algorithm || offered.Algorithm == domain.AlgorithmHybrid
}

// respond builds the responder's initial state from a handshake, refusing
// suites weaker than the one the conversation negotiated.
func (s *Service) respond(key domain.StateKey, hs domain.Handshake) (ratchet.Transition, error) {
	offered := domain.Capability{Algorithm: hs.Algorithm, SecurityLevel: hs.SecurityLevel}
	if !crypto.SupportedCapabilities().Contains(offered) {
		return ratchet.Transition{}, fmt.Errorf("handshake offers %s/%d: %w", hs.Algorithm, hs.SecurityLevel, domain.ErrUnsupportedAlgorithm)
	}
	if s.Negotiator != nil {
		neg, ok, err := s.Negotiator.Current(key.ConversationID)
		if err != nil {
			return ratchet.Transition{}, err
		}
		if ok && !atLeast(offered, neg.Selected()) {
			return ratchet.Transition{}, fmt.Errorf("handshake offers %s/%d, negotiated %s/%d: %w",
				hs.Algorithm, hs.SecurityLevel, neg.Algorithm, neg.SecurityLevel, domain.ErrUnsupportedAlgorithm)
		}
	}
	suite, err := crypto.SuiteFor(offered)
	if err != nil {
		return ratchet.Transition{}, err
	}

	dev, ok := s.LocalDevice(key.UserID)
	if !ok {
		return ratchet.Transition{}, fmt.Errorf("%w: %s", ErrNoLocalDevice, key.UserID)
	}
	spk, ok, err := s.PreKeys.LoadSignedPreKey(dev.DeviceID, hs.SignedPreKeyID)
	if err != nil {
		return ratchet.Transition{}, err
	}
	if !ok {
		return ratchet.Transition{}, fmt.Errorf("signed pre-key %s: %w", hs.SignedPreKeyID, domain.ErrInvalidKeyMaterial)
	}
	defer wipePreKey(&spk)

	secret, err := x3dh.Respond(suite, dev.Identity, spk, hs)
	if err != nil {
		return ratchet.Transition{}, err
	}
	defer memzero.Zero(secret)
	pq, _ := spk.PostQuantumFor(suite.Capability.SecurityLevel)

	return s.Engine.Initialize(ratchet.InitParams{
		Key:                 key,
		Role:                domain.RoleResponder,
		Suite:               suite,
		SharedSecret:        secret,
		LocalEphemeral:      spk.Pair,
		PeerEphemeral:       hs.EphemeralKey,
		LocalKEM:            pq.KEM,
		PeerKEMPublic:       hs.KEMPublicKey,
		LocalSignature:      pq.Sign,
		PeerSignaturePublic: hs.SignaturePublicKey,
	})
}

func wipePreKey(spk *domain.SignedPreKeyPair) {
	memzero.Zero(spk.Pair.Private[:])
	for _, pq := range spk.PostQuantum {
		memzero.ZeroAll(pq.KEM.Secret, pq.Sign.Secret)
	}
}

// RequestRatchet makes the next send perform a DH step if this side
// holds the turn, or as soon as it regains it.
func (s *Service) RequestRatchet(ctx context.Context, key domain.StateKey) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	st, ok, err := s.Ratchets.LoadRatchetState(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ratchet state %s: %w", key, domain.ErrNotFound)
	}
	tr := ratchet.Transition{ExpectedVersion: st.Version, State: st}
	tr.State.ForceRatchet = true
	tr.State.Version++
	return s.commit(ctx, &tr)
}

// Snapshot returns a copy of the state for key, for synchronisation to the
// user's other devices. The caller must wipe it.
func (s *Service) Snapshot(key domain.StateKey) (domain.RatchetState, bool, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return s.Ratchets.LoadRatchetState(key)
}

// States lists the states owned by user.
func (s *Service) States(user domain.UserID) ([]domain.RatchetState, error) {
	return s.Ratchets.ListRatchetStates(user)
}

// Adopt replaces the local state for snapshot.Key with snapshot. Skipped
// keys of a replaced state are dropped with it.
func (s *Service) Adopt(ctx context.Context, snapshot domain.RatchetState) error {
	l := s.lockFor(snapshot.Key)
	l.Lock()
	defer l.Unlock()

	cur, ok, err := s.Ratchets.LoadRatchetState(snapshot.Key)
	if err != nil {
		return err
	}
	defer ratchet.Wipe(&cur)

	tr, err := s.Engine.Adopt(snapshot, cur.Version)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, &tr); err != nil {
		return err
	}
	if ok && cur.ID != snapshot.ID {
		if err := s.Skipped.Drop(cur.ID); err != nil {
			s.Log.Warningf("drop skipped keys of replaced state %s: %v", cur.ID, err)
		}
	}
	s.Log.Noticef("adopted state %s for %s at root %s", snapshot.ID, snapshot.Key, ratchet.RootFingerprint(snapshot))
	return nil
}

func (s *Service) checkConflict(key domain.StateKey) error {
	if s.Conflicts == nil {
		return nil
	}
	c, open, err := s.Conflicts.OpenConflict(key)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("%s (conflict %s): %w", key, c.ID, domain.ErrConflictUnresolved)
	}
	return nil
}

// commit persists tr and mirrors its skipped-key changes into the cache.
// The transition's secrets are wiped whatever the outcome.
func (s *Service) commit(ctx context.Context, tr *ratchet.Transition) error {
	defer tr.Discard()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Ratchets.CommitRatchet(ctx, tr.Commit()); err != nil {
		return err
	}
	if err := s.Skipped.Apply(tr.State.ID, tr.NewSkipped, tr.Consumed); err != nil {
		// The commit is durable; the cache rehydrates from the store.
		s.Log.Warningf("skipped key cache for %s: %v", tr.State.Key, err)
	}
	if tr.Stepped {
		s.Metrics.RatchetStep()
	}
	s.Metrics.SkippedKeys("cached", len(tr.NewSkipped))
	s.Metrics.SkippedKeys("consumed", len(tr.Consumed))
	return nil
}

func associatedData(key domain.StateKey) []byte {
	return []byte(key.ConversationID)
}

func peerOf(participants []domain.UserID, self domain.UserID) (domain.UserID, error) {
	var peer domain.UserID
	n := 0
	for _, p := range participants {
		if p != self {
			peer = p
			n++
		}
	}
	if n != 1 {
		return "", fmt.Errorf("%w: %d other participants", ErrNoPeer, n)
	}
	return peer, nil
}
