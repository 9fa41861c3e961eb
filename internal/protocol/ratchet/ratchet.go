package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/kdf"
	"pqratchet/internal/util/memzero"
)

// Defaults for Config.
const (
	DefaultMaxSkip         = 1000
	DefaultRatchetInterval = 50
	DefaultSkippedKeyTTL   = 72 * time.Hour
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// Config bounds the engine.
type Config struct {
	// MaxSkip is the largest gap between the receiving pointer and an
	// incoming message number that will be bridged with skipped keys.
	MaxSkip uint32
	// RatchetInterval is the number of messages sent on one chain before
	// the turn holder performs a DH step.
	RatchetInterval uint32
	SkippedKeyTTL   time.Duration
	Clock           func() time.Time
}

// Engine runs the Double Ratchet. It holds no per-state data; every
// operation is a pure function from a state to a Transition.
type Engine struct {
	cfg Config
}

// New returns an engine, filling unset Config fields with defaults.
func New(cfg Config) *Engine {
	if cfg.MaxSkip == 0 {
		cfg.MaxSkip = DefaultMaxSkip
	}
	if cfg.RatchetInterval == 0 {
		cfg.RatchetInterval = DefaultRatchetInterval
	}
	if cfg.SkippedKeyTTL == 0 {
		cfg.SkippedKeyTTL = DefaultSkippedKeyTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{cfg: cfg}
}

// Transition is the outcome of one operation. Nothing in it is visible to
// other callers until it is committed.
type Transition struct {
	State           domain.RatchetState
	ExpectedVersion uint64
	NewSkipped      []domain.SkippedMessageKey
	Consumed        []domain.ChainPosition
	Activate        []domain.PostQuantumKeyMaterial
	Stepped         bool
}

// Commit converts the transition to a store commit.
func (t Transition) Commit() domain.RatchetCommit {
	return domain.RatchetCommit{
		State:           t.State,
		ExpectedVersion: t.ExpectedVersion,
		PutSkipped:      t.NewSkipped,
		DeleteSkipped:   t.Consumed,
		ActivatePQ:      t.Activate,
	}
}

// Discard wipes the secrets of an uncommitted transition.
func (t *Transition) Discard() {
	Wipe(&t.State)
	for _, k := range t.NewSkipped {
		memzero.Zero(k.Key)
	}
	for _, m := range t.Activate {
		if m.KeyType == domain.PQKeyKEMSecret || m.KeyType == domain.PQKeySignatureSecret {
			memzero.Zero(m.KeyData)
		}
	}
}

// InitParams seeds a new state. For the initiator the local ephemeral is
// the handshake key and the peer ephemeral is the signed pre-key; the
// responder is the mirror image.
type InitParams struct {
	Key                 domain.StateKey
	Role                domain.Role
	Suite               crypto.Suite
	SharedSecret        []byte
	LocalEphemeral      domain.X25519KeyPair
	PeerEphemeral       domain.X25519Public
	LocalKEM            domain.KEMKeyPair
	PeerKEMPublic       []byte
	LocalSignature      domain.SignatureKeyPair
	PeerSignaturePublic []byte
	// Handshake is echoed on the initiator's messages until the peer replies.
	Handshake *domain.Handshake
}

// Initialize derives the root and both directional chain keys from the
// shared secret. Both counters start at zero and the initiator holds the
// ratchet turn.
func (e *Engine) Initialize(p InitParams) (Transition, error) {
	if p.Role != domain.RoleInitiator && p.Role != domain.RoleResponder {
		return Transition{}, fmt.Errorf("ratchet role %d", p.Role)
	}
	if err := crypto.ValidateX25519Public(p.PeerEphemeral[:]); err != nil {
		return Transition{}, err
	}
	if p.Suite.Hybrid() {
		if len(p.LocalKEM.Secret) == 0 || len(p.PeerKEMPublic) != p.Suite.KEM().PublicKeySize() {
			return Transition{}, fmt.Errorf("hybrid state without KEM keys: %w", domain.ErrInvalidKeyMaterial)
		}
		if len(p.LocalSignature.Secret) == 0 || len(p.PeerSignaturePublic) == 0 {
			return Transition{}, fmt.Errorf("hybrid state without signature keys: %w", domain.ErrInvalidKeyMaterial)
		}
	}

	root, chain, err := kdf.DeriveInitialKeys(p.SharedSecret)
	if err != nil {
		return Transition{}, err
	}
	i2r, r2i, err := kdf.SplitChain(chain)
	memzero.Zero(chain)
	if err != nil {
		memzero.Zero(root)
		return Transition{}, err
	}

	now := e.cfg.Clock()
	st := domain.RatchetState{
		ID:                          uuid.NewString(),
		Key:                         p.Key,
		Role:                        p.Role,
		Algorithm:                   p.Suite.Capability.Algorithm,
		SecurityLevel:               p.Suite.Capability.SecurityLevel,
		PQCEnabled:                  p.Suite.Hybrid(),
		RootKey:                     root,
		SendingEphemeralKeyPair:     p.LocalEphemeral,
		ReceivingEphemeralPublicKey: p.PeerEphemeral,
		RatchetTurn:                 p.Role == domain.RoleInitiator,
		Version:                     1,
		CreatedAt:                   now,
		LastStepAt:                  now,
		UpdatedAt:                   now,
	}
	if p.Role == domain.RoleInitiator {
		st.SendingChainKey, st.ReceivingChainKey = i2r, r2i
		st.HandshakeEphemeral = p.LocalEphemeral.Public
	} else {
		st.SendingChainKey, st.ReceivingChainKey = r2i, i2r
		st.HandshakeEphemeral = p.PeerEphemeral
	}
	if p.Handshake != nil {
		hs := cloneHandshake(*p.Handshake)
		st.PendingHandshake = &hs
	}

	tr := Transition{}
	if p.Suite.Hybrid() {
		st.SendingKEM = domain.KEMKeyPair{Public: bytes.Clone(p.LocalKEM.Public), Secret: bytes.Clone(p.LocalKEM.Secret)}
		st.ReceivingKEMPublicKey = bytes.Clone(p.PeerKEMPublic)
		st.LocalSignature = domain.SignatureKeyPair{
			Public: bytes.Clone(p.LocalSignature.Public),
			Secret: bytes.Clone(p.LocalSignature.Secret),
		}
		st.PeerSignaturePublic = bytes.Clone(p.PeerSignaturePublic)
		tr.Activate = append(tr.Activate, kemMaterial(st.ID, p.Suite, st.SendingKEM, now)...)
		tr.Activate = append(tr.Activate, signatureMaterial(st.ID, p.Suite, st.LocalSignature, now)...)
	}
	tr.State = st
	return tr, nil
}

// Encrypt seals plaintext with the next sending message key. The turn
// holder first performs a DH step when the chain has reached the ratchet
// interval or a step was forced.
func (e *Engine) Encrypt(st domain.RatchetState, plaintext, ad []byte) (Transition, domain.EncryptedPayload, error) {
	suite, err := SuiteOf(st)
	if err != nil {
		return Transition{}, domain.EncryptedPayload{}, err
	}
	if len(st.SendingChainKey) == 0 {
		return Transition{}, domain.EncryptedPayload{}, errChainUninitialised
	}

	now := e.cfg.Clock()
	tr := Transition{ExpectedVersion: st.Version, State: Clone(st)}
	s := &tr.State

	if s.RatchetTurn && (s.ForceRatchet || s.SendingChainLength >= e.cfg.RatchetInterval) {
		if err := e.stepSending(suite, s, &tr, now); err != nil {
			tr.Discard()
			return Transition{}, domain.EncryptedPayload{}, err
		}
	}

	mk, next, err := kdf.ChainAdvance(s.SendingChainKey)
	if err != nil {
		tr.Discard()
		return Transition{}, domain.EncryptedPayload{}, err
	}
	defer memzero.Zero(mk)

	hdr := wireHeader{
		version: suite.CryptoVersion(),
		classical: domain.ClassicalHeader{
			EphemeralPublicKey:  s.SendingEphemeralKeyPair.Public,
			PreviousChainLength: s.PreviousChainLength,
			MessageNumber:       s.SendingMessageNumber,
		},
	}
	if suite.Hybrid() {
		hdr.kemCT = s.SendingKEMCiphertext
		hdr.kemPub = s.SendingKEM.Public
	}
	raw := hdr.bytes()

	nonce, ct, tag, err := suite.AEAD.Seal(mk, plaintext, aeadAD(ad, raw))
	if err != nil {
		tr.Discard()
		return Transition{}, domain.EncryptedPayload{}, err
	}
	if suite.Hybrid() {
		hdr.signature, err = suite.Signer().Sign(s.LocalSignature.Secret, signedMessage(raw, nonce, ct, tag))
		if err != nil {
			tr.Discard()
			return Transition{}, domain.EncryptedPayload{}, err
		}
	}

	pos := domain.ChainPosition{ChainID: chainID(s.SendingEphemeralKeyPair.Public), Index: s.SendingMessageNumber}
	payload := domain.EncryptedPayload{
		Ciphertext: ct,
		Nonce:      nonce,
		AuthTag:    tag,
		KeyID:      keyID(pos),
		Metadata:   hdr.metadata(),
	}
	if s.PendingHandshake != nil {
		hs := cloneHandshake(*s.PendingHandshake)
		payload.Metadata.Handshake = &hs
	}

	memzero.Zero(s.SendingChainKey)
	s.SendingChainKey = next
	s.SendingMessageNumber++
	s.SendingChainLength++
	s.UpdatedAt = now
	s.Version++
	return tr, payload, nil
}

// Decrypt opens payload. Nothing about st changes unless the returned
// transition is committed; on any error it has already been discarded.
func (e *Engine) Decrypt(
	st domain.RatchetState,
	payload domain.EncryptedPayload,
	ad []byte,
	skipped SkippedLookup,
) (Transition, []byte, error) {
	suite, err := SuiteOf(st)
	if err != nil {
		return Transition{}, nil, err
	}
	hdr, err := decodeHeader(suite, payload.Metadata)
	if err != nil {
		return Transition{}, nil, err
	}
	raw := hdr.bytes()

	// Signatures are checked before any key is derived or state touched.
	if suite.Hybrid() {
		ok, err := suite.Signer().Verify(st.PeerSignaturePublic, signedMessage(raw, payload.Nonce, payload.Ciphertext, payload.AuthTag), hdr.signature)
		if err != nil || !ok {
			return Transition{}, nil, fmt.Errorf("header signature: %w", domain.ErrDecryptionAuthFailure)
		}
	}

	now := e.cfg.Clock()
	tr := Transition{ExpectedVersion: st.Version, State: Clone(st)}
	s := &tr.State
	pub := hdr.classical.EphemeralPublicKey
	n := hdr.classical.MessageNumber

	var mk []byte
	switch {
	case pub == s.ReceivingEphemeralPublicKey:
		mk, err = e.receiveOnChain(s, &tr, n, skipped, now)
	default:
		// A key we have seen before can only be answered from the cache.
		mk, err = e.consumeSkipped(s.ID, domain.ChainPosition{ChainID: chainID(pub), Index: n}, skipped, &tr)
		if err == nil || !errors.Is(err, domain.ErrRatchetDesync) || pub == s.PreviousReceivingPublicKey {
			break
		}
		if s.RatchetTurn {
			// The peer cannot step while we hold the turn.
			err = fmt.Errorf("unexpected ratchet key %s: %w", chainID(pub), domain.ErrRatchetDesync)
			break
		}
		if err = crypto.ValidateX25519Public(pub[:]); err != nil {
			break
		}
		if err = e.skipTo(s, &tr, hdr.classical.PreviousChainLength, now); err != nil {
			break
		}
		if err = e.stepReceiving(suite, s, hdr, now); err != nil {
			break
		}
		tr.Stepped = true
		mk, err = e.receiveOnChain(s, &tr, n, skipped, now)
	}
	if err != nil {
		tr.Discard()
		return Transition{}, nil, err
	}
	defer memzero.Zero(mk)

	pt, err := suite.AEAD.Open(mk, payload.Nonce, payload.Ciphertext, payload.AuthTag, aeadAD(ad, raw))
	if err != nil {
		tr.Discard()
		return Transition{}, nil, err
	}

	// Any authentic reply proves the peer holds the handshake.
	s.PendingHandshake = nil
	s.UpdatedAt = now
	s.Version++
	return tr, pt, nil
}

// receiveOnChain returns the key for message n on the current receiving
// chain, caching any keys it skips over.
func (e *Engine) receiveOnChain(
	s *domain.RatchetState,
	tr *Transition,
	n uint32,
	skipped SkippedLookup,
	now time.Time,
) ([]byte, error) {
	if n < s.ReceivingMessageNumber {
		pos := domain.ChainPosition{ChainID: chainID(s.ReceivingEphemeralPublicKey), Index: n}
		return e.consumeSkipped(s.ID, pos, skipped, tr)
	}
	if err := e.skipTo(s, tr, n, now); err != nil {
		return nil, err
	}
	mk, next, err := kdf.ChainAdvance(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	memzero.Zero(s.ReceivingChainKey)
	s.ReceivingChainKey = next
	s.ReceivingMessageNumber = n + 1
	s.ReceivingChainLength++
	return mk, nil
}

func (e *Engine) consumeSkipped(stateID string, pos domain.ChainPosition, skipped SkippedLookup, tr *Transition) ([]byte, error) {
	if skipped == nil {
		return nil, fmt.Errorf("no skipped key at %s: %w", keyID(pos), domain.ErrRatchetDesync)
	}
	mk, err := skipped.Lookup(stateID, pos)
	if err != nil {
		return nil, err
	}
	tr.Consumed = append(tr.Consumed, pos)
	return mk, nil
}

// skipTo advances the receiving chain up to (not including) until and
// records every intermediate message key.
func (e *Engine) skipTo(s *domain.RatchetState, tr *Transition, until uint32, now time.Time) error {
	if until <= s.ReceivingMessageNumber {
		return nil
	}
	if until-s.ReceivingMessageNumber > e.cfg.MaxSkip {
		return fmt.Errorf("gap of %d messages exceeds %d: %w", until-s.ReceivingMessageNumber, e.cfg.MaxSkip, domain.ErrSkipLimitExceeded)
	}
	cid := chainID(s.ReceivingEphemeralPublicKey)
	for s.ReceivingMessageNumber < until {
		mk, next, err := kdf.ChainAdvance(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		tr.NewSkipped = append(tr.NewSkipped, domain.SkippedMessageKey{
			RatchetStateID: s.ID,
			Position:       domain.ChainPosition{ChainID: cid, Index: s.ReceivingMessageNumber},
			Key:            mk,
			CreatedAt:      now,
			ExpiresAt:      now.Add(e.cfg.SkippedKeyTTL),
		})
		memzero.Zero(s.ReceivingChainKey)
		s.ReceivingChainKey = next
		s.ReceivingMessageNumber++
		s.ReceivingChainLength++
	}
	return nil
}

// stepSending performs a DH step towards the peer's current ratchet key and
// passes the turn.
func (e *Engine) stepSending(suite crypto.Suite, s *domain.RatchetState, tr *Transition, now time.Time) error {
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(eph.Private, s.ReceivingEphemeralPublicKey)
	if err != nil {
		return err
	}
	defer memzero.Zero(dh[:])
	secret := dh[:]

	if suite.Hybrid() {
		ct, ss, err := suite.KEM().Encapsulate(s.ReceivingKEMPublicKey)
		if err != nil {
			return err
		}
		combined, err := kdf.CombineSecrets(dh[:], ss)
		memzero.Zero(ss)
		if err != nil {
			return err
		}
		defer memzero.Zero(combined)
		secret = combined

		fresh, err := suite.KEM().GenerateKeyPair()
		if err != nil {
			return err
		}
		memzero.Zero(s.SendingKEM.Secret)
		s.SendingKEM = fresh
		s.SendingKEMCiphertext = ct
		tr.Activate = append(tr.Activate, kemMaterial(s.ID, suite, fresh, now)...)
	}

	root, ck, err := kdf.RatchetStep(s.RootKey, secret)
	if err != nil {
		return err
	}
	memzero.ZeroAll(s.RootKey, s.SendingChainKey, s.SendingEphemeralKeyPair.Private[:])
	s.RootKey = root
	s.SendingChainKey = ck
	s.SendingEphemeralKeyPair = eph
	s.PreviousChainLength = s.SendingMessageNumber
	s.SendingMessageNumber = 0
	s.SendingChainLength = 0
	s.RatchetTurn = false
	s.ForceRatchet = false
	s.DHSteps++
	s.LastStepAt = now
	tr.Stepped = true
	return nil
}

// stepReceiving mirrors the peer's DH step and takes the turn.
func (e *Engine) stepReceiving(suite crypto.Suite, s *domain.RatchetState, hdr wireHeader, now time.Time) error {
	pub := hdr.classical.EphemeralPublicKey
	dh, err := crypto.DH(s.SendingEphemeralKeyPair.Private, pub)
	if err != nil {
		return err
	}
	defer memzero.Zero(dh[:])
	secret := dh[:]

	if suite.Hybrid() {
		if len(hdr.kemCT) == 0 {
			return fmt.Errorf("hybrid step without KEM ciphertext: %w", domain.ErrDecryptionAuthFailure)
		}
		ss, err := suite.KEM().Decapsulate(s.SendingKEM.Secret, hdr.kemCT)
		if err != nil {
			return err
		}
		combined, err := kdf.CombineSecrets(dh[:], ss)
		memzero.Zero(ss)
		if err != nil {
			return err
		}
		defer memzero.Zero(combined)
		secret = combined
		if len(hdr.kemPub) != suite.KEM().PublicKeySize() {
			return fmt.Errorf("peer KEM key is %d bytes: %w", len(hdr.kemPub), domain.ErrInvalidKeyMaterial)
		}
		s.ReceivingKEMPublicKey = bytes.Clone(hdr.kemPub)
	}

	root, ck, err := kdf.RatchetStep(s.RootKey, secret)
	if err != nil {
		return err
	}
	memzero.ZeroAll(s.RootKey, s.ReceivingChainKey)
	s.RootKey = root
	s.ReceivingChainKey = ck
	s.PreviousReceivingPublicKey = s.ReceivingEphemeralPublicKey
	s.ReceivingEphemeralPublicKey = pub
	s.ReceivingMessageNumber = 0
	s.ReceivingChainLength = 0
	s.RatchetTurn = true
	s.DHSteps++
	s.LastStepAt = now
	return nil
}

// Adopt installs a state received from another device of the same user in
// place of the local one, which is at currentVersion (zero when absent).
// The adopted state keeps its ID so every replica names it the same way.
func (e *Engine) Adopt(snapshot domain.RatchetState, currentVersion uint64) (Transition, error) {
	suite, err := SuiteOf(snapshot)
	if err != nil {
		return Transition{}, err
	}
	if len(snapshot.RootKey) != kdf.KeySize || len(snapshot.SendingChainKey) != kdf.KeySize {
		return Transition{}, fmt.Errorf("adopted state %s: %w", snapshot.ID, domain.ErrInvalidKeyMaterial)
	}
	now := e.cfg.Clock()
	tr := Transition{ExpectedVersion: currentVersion, State: Clone(snapshot)}
	tr.State.Version = currentVersion + 1
	tr.State.UpdatedAt = now
	if suite.Hybrid() {
		tr.Activate = append(tr.Activate, kemMaterial(snapshot.ID, suite, tr.State.SendingKEM, now)...)
		tr.Activate = append(tr.Activate, signatureMaterial(snapshot.ID, suite, tr.State.LocalSignature, now)...)
	}
	return tr, nil
}

func kemMaterial(stateID string, suite crypto.Suite, kp domain.KEMKeyPair, now time.Time) []domain.PostQuantumKeyMaterial {
	name := suite.KEM().Name()
	return []domain.PostQuantumKeyMaterial{
		pqMaterial(stateID, domain.PQKeyKEMPublic, name, kp.Public, now),
		pqMaterial(stateID, domain.PQKeyKEMSecret, name, kp.Secret, now),
	}
}

func signatureMaterial(stateID string, suite crypto.Suite, kp domain.SignatureKeyPair, now time.Time) []domain.PostQuantumKeyMaterial {
	name := suite.Signer().Name()
	return []domain.PostQuantumKeyMaterial{
		pqMaterial(stateID, domain.PQKeySignaturePublic, name, kp.Public, now),
		pqMaterial(stateID, domain.PQKeySignatureSecret, name, kp.Secret, now),
	}
}

func pqMaterial(stateID string, kt domain.PQKeyType, alg string, data []byte, now time.Time) domain.PostQuantumKeyMaterial {
	return domain.PostQuantumKeyMaterial{
		ID:             uuid.NewString(),
		RatchetStateID: stateID,
		KeyType:        kt,
		Algorithm:      alg,
		KeyData:        bytes.Clone(data),
		IsActive:       true,
		GeneratedAt:    now,
	}
}
