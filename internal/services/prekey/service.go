package prekey

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/x3dh"
	"pqratchet/internal/util/memzero"
)

// Service manages signed pre-key pairs and builds the public bundle.
type Service struct {
	store     domain.PreKeyStore
	publisher domain.BundlePublisher
	caps      domain.CapabilitySet
	now       func() time.Time
	log       *logging.Logger
}

// New returns a pre-key service advertising caps. An empty caps means
// every capability this build supports.
func New(
	store domain.PreKeyStore,
	publisher domain.BundlePublisher,
	caps domain.CapabilitySet,
	clock func() time.Time,
	log *logging.Logger,
) *Service {
	if len(caps) == 0 {
		caps = crypto.SupportedCapabilities()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, publisher: publisher, caps: caps, now: clock, log: log}
}

// Capabilities returns the capability set the device advertises.
func (s *Service) Capabilities() domain.CapabilitySet { return s.caps }

// Rotate creates a new signed pre-key for dev, signed with its unlocked
// signing key, and makes it current. Older pre-keys stay loadable for
// handshakes already in flight.
func (s *Service) Rotate(dev domain.DeviceIdentity, keys domain.DeviceKeys) (domain.PreKeyID, error) {
	pair, err := crypto.GenerateX25519()
	if err != nil {
		return "", err
	}
	spk := domain.SignedPreKeyPair{
		ID:        domain.PreKeyID("spk-" + uuid.NewString()),
		Pair:      pair,
		CreatedAt: s.now().UTC(),
	}
	defer wipe(&spk)

	seen := make(map[domain.SecurityLevel]bool)
	for _, c := range s.caps {
		if c.Algorithm != domain.AlgorithmHybrid || seen[c.SecurityLevel] {
			continue
		}
		seen[c.SecurityLevel] = true
		suite, err := crypto.SuiteFor(c)
		if err != nil {
			return "", err
		}
		pq := domain.PostQuantumPreKeyPair{SecurityLevel: c.SecurityLevel}
		if pq.KEM, err = suite.KEM().GenerateKeyPair(); err != nil {
			return "", err
		}
		if pq.Sign, err = suite.Signer().GenerateKeyPair(); err != nil {
			return "", err
		}
		spk.PostQuantum = append(spk.PostQuantum, pq)
	}

	msg := x3dh.SignedPreKeyMessage(pair.Public, spk.PublicPostQuantum())
	spk.Signature = crypto.SignEd25519(keys.SigningPrivate, msg)
	if err := s.store.SaveSignedPreKey(dev.DeviceID, spk); err != nil {
		return "", err
	}
	s.log.Noticef("rotated signed pre-key %s for device %s (%d post-quantum levels)", spk.ID, dev.DeviceID, len(spk.PostQuantum))
	return spk.ID, nil
}

// Bundle builds the public bundle of dev from its current signed pre-key.
func (s *Service) Bundle(dev domain.DeviceIdentity) (domain.PreKeyBundle, error) {
	spk, ok, err := s.store.CurrentSignedPreKey(dev.DeviceID)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, errNoSignedPreKey
	}
	defer wipe(&spk)

	return domain.PreKeyBundle{
		UserID:                dev.UserID,
		DeviceID:              dev.DeviceID,
		IdentityKey:           dev.EncryptionPublicKey,
		SigningKey:            dev.SigningPublicKey,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pair.Public,
		SignedPreKeySignature: spk.Signature,
		PostQuantum:           spk.PublicPostQuantum(),
		Capabilities:          s.caps,
		PublishedAt:           s.now().UTC(),
	}, nil
}

// Publish uploads the current bundle of dev.
func (s *Service) Publish(ctx context.Context, dev domain.DeviceIdentity) (domain.PreKeyBundle, error) {
	b, err := s.Bundle(dev)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if err := s.publisher.PublishBundle(ctx, b); err != nil {
		return domain.PreKeyBundle{}, err
	}
	s.log.Infof("published bundle %s for %s/%s", b.SignedPreKeyID, b.UserID, b.DeviceID)
	return b, nil
}

func wipe(spk *domain.SignedPreKeyPair) {
	memzero.Zero(spk.Pair.Private[:])
	for _, pq := range spk.PostQuantum {
		memzero.ZeroAll(pq.KEM.Secret, pq.Sign.Secret)
	}
}

var errNoSignedPreKey = errString("no signed pre-key available")

type errString string

func (e errString) Error() string { return string(e) }
