package device

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/store"
	"pqratchet/internal/util/memzero"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12

	InitialTrustScore = 25
	VerificationBonus = 20
	ConflictPenalty   = 15
	MaxTrustScore     = 100
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrVerifierMismatch is returned when the verifier is the target itself
	// or belongs to another user.
	ErrVerifierMismatch = errors.New("device: verifier must be another device of the same user")
	// ErrIncompleteDevice is returned when an added device lacks its id or owner.
	ErrIncompleteDevice = errors.New("device: device id and user are required")
)

// Service manages device identities using a backing store.
type Service struct {
	store domain.DeviceStore
	now   func() time.Time
	log   *logging.Logger

	// mu serialises read-modify-write of device records.
	mu sync.Mutex
}

// New returns a registry backed by s. A nil clock uses time.Now.
func New(s domain.DeviceStore, clock func() time.Time, log *logging.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: s, now: clock, log: log}
}

// RegisterDevice creates a device for user with fresh signing and
// encryption keys sealed under passphrase.
func (s *Service) RegisterDevice(user domain.UserID, name, passphrase string) (domain.DeviceIdentity, error) {
	if !isSecurePassphrase(passphrase) {
		return domain.DeviceIdentity{}, ErrWeakPassphrase
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	enc, err := crypto.GenerateX25519()
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	keys := domain.DeviceKeys{SigningPrivate: signPriv, EncryptionPrivate: enc.Private}
	sealed, err := store.SealDeviceKeys(passphrase, keys)
	memzero.ZeroAll(signPriv[:], enc.Private[:], keys.SigningPrivate[:], keys.EncryptionPrivate[:])
	if err != nil {
		return domain.DeviceIdentity{}, err
	}

	now := s.now().UTC()
	dev := domain.DeviceIdentity{
		DeviceID:            domain.DeviceID(uuid.NewString()),
		UserID:              user,
		Name:                name,
		SigningPublicKey:    signPub,
		EncryptionPublicKey: enc.Public,
		SealedKeys:          sealed,
		TrustScore:          InitialTrustScore,
		TrustLevel:          domain.TrustLevelForScore(InitialTrustScore),
		RegisteredAt:        now,
		LastSeen:            now,
	}
	if err := s.store.SaveDevice(dev); err != nil {
		return domain.DeviceIdentity{}, err
	}
	s.log.Noticef("registered device %s (%s) for %s, key %s", dev.DeviceID, name, user, crypto.FingerprintX25519(enc.Public))
	return dev, nil
}

// AddDevice records the public identity of another device of a user, as
// learned out of band. Sealed keys and trust state are not imported; the
// device starts unverified. Adding a known device returns the stored record.
func (s *Service) AddDevice(dev domain.DeviceIdentity) (domain.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev.DeviceID == "" || dev.UserID == "" {
		return domain.DeviceIdentity{}, ErrIncompleteDevice
	}
	if old, ok, err := s.store.LoadDevice(dev.DeviceID); err != nil || ok {
		return old, err
	}
	now := s.now().UTC()
	rec := domain.DeviceIdentity{
		DeviceID:            dev.DeviceID,
		UserID:              dev.UserID,
		Name:                dev.Name,
		SigningPublicKey:    dev.SigningPublicKey,
		EncryptionPublicKey: dev.EncryptionPublicKey,
		TrustScore:          InitialTrustScore,
		TrustLevel:          domain.TrustLevelForScore(InitialTrustScore),
		RegisteredAt:        now,
		LastSeen:            now,
	}
	if err := s.store.SaveDevice(rec); err != nil {
		return domain.DeviceIdentity{}, err
	}
	s.log.Noticef("added device %s (%s) for %s, key %s",
		rec.DeviceID, rec.Name, rec.UserID, crypto.FingerprintX25519(rec.EncryptionPublicKey))
	return rec, nil
}

// VerifyDevice records that verifier vouches for target. Repeating a
// verification changes nothing.
func (s *Service) VerifyDevice(target, verifier domain.DeviceID) (domain.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.load(target)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	by, err := s.load(verifier)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	if dev.Revoked() || by.Revoked() {
		return domain.DeviceIdentity{}, fmt.Errorf("verify %s by %s: %w", target, verifier, domain.ErrDeviceRevoked)
	}
	if target == verifier || dev.UserID != by.UserID {
		return domain.DeviceIdentity{}, ErrVerifierMismatch
	}
	if slices.Contains(dev.VerifiedBy, verifier) {
		return dev, nil
	}

	dev.VerifiedBy = append(dev.VerifiedBy, verifier)
	dev.IsVerified = true
	setScore(&dev, dev.TrustScore+VerificationBonus)
	if err := s.store.SaveDevice(dev); err != nil {
		return domain.DeviceIdentity{}, err
	}
	s.log.Infof("device %s verified by %s, trust %d", target, verifier, dev.TrustScore)
	return dev, nil
}

// RevokeDevice permanently excludes a device from key distribution and
// discards its sealed keys.
func (s *Service) RevokeDevice(id domain.DeviceID, reason string) (domain.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.load(id)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	if dev.Revoked() {
		return dev, nil
	}
	now := s.now().UTC()
	dev.RevokedAt = &now
	dev.RevocationReason = reason
	dev.SealedKeys = nil
	setScore(&dev, 0)
	if err := s.store.SaveDevice(dev); err != nil {
		return domain.DeviceIdentity{}, err
	}
	s.log.Noticef("revoked device %s: %s", id, reason)
	return dev, nil
}

// Device returns a device by id.
func (s *Service) Device(id domain.DeviceID) (domain.DeviceIdentity, error) {
	return s.load(id)
}

// Devices lists the devices of user.
func (s *Service) Devices(user domain.UserID) ([]domain.DeviceIdentity, error) {
	return s.store.ListDevices(user)
}

// SyncTargets returns the verified, non-revoked devices of user other
// than origin.
func (s *Service) SyncTargets(user domain.UserID, origin domain.DeviceID) ([]domain.DeviceIdentity, error) {
	all, err := s.store.ListDevices(user)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.DeviceID != origin && d.IsVerified && !d.Revoked() {
			out = append(out, d)
		}
	}
	return out, nil
}

// UnlockKeys opens the sealed private keys of a device. The caller must
// wipe them.
func (s *Service) UnlockKeys(id domain.DeviceID, passphrase string) (domain.DeviceKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.load(id)
	if err != nil {
		return domain.DeviceKeys{}, err
	}
	if dev.Revoked() {
		return domain.DeviceKeys{}, fmt.Errorf("unlock %s: %w", id, domain.ErrDeviceRevoked)
	}
	if len(dev.SealedKeys) == 0 {
		return domain.DeviceKeys{}, fmt.Errorf("unlock %s: keys are held by another registry: %w", id, domain.ErrNotFound)
	}
	keys, err := store.OpenDeviceKeys(passphrase, dev.SealedKeys)
	if err != nil {
		return domain.DeviceKeys{}, err
	}
	dev.LastSeen = s.now().UTC()
	if err := s.store.SaveDevice(dev); err != nil {
		memzero.ZeroAll(keys.SigningPrivate[:], keys.EncryptionPrivate[:])
		return domain.DeviceKeys{}, err
	}
	return keys, nil
}

// PenalizeConflictLoss lowers the trust score of a device that lost a key
// conflict.
func (s *Service) PenalizeConflictLoss(id domain.DeviceID) (domain.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.load(id)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	setScore(&dev, dev.TrustScore-ConflictPenalty)
	if err := s.store.SaveDevice(dev); err != nil {
		return domain.DeviceIdentity{}, err
	}
	s.log.Infof("device %s lost a conflict, trust %d", id, dev.TrustScore)
	return dev, nil
}

// RecordSyncFailure notes a permanently failed sync delivery to device.
func (s *Service) RecordSyncFailure(id domain.DeviceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.load(id)
	if err != nil {
		return err
	}
	dev.SyncFailures++
	dev.LastSyncFailure = reason
	if err := s.store.SaveDevice(dev); err != nil {
		return err
	}
	s.log.Warningf("sync to device %s failed permanently (%d total): %s", id, dev.SyncFailures, reason)
	return nil
}

func (s *Service) load(id domain.DeviceID) (domain.DeviceIdentity, error) {
	dev, ok, err := s.store.LoadDevice(id)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	if !ok {
		return domain.DeviceIdentity{}, fmt.Errorf("device %s: %w", id, domain.ErrNotFound)
	}
	return dev, nil
}

func setScore(dev *domain.DeviceIdentity, score int) {
	dev.TrustScore = min(max(score, 0), MaxTrustScore)
	dev.TrustLevel = domain.TrustLevelForScore(dev.TrustScore)
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

var (
	_ domain.DeviceRegistry      = (*Service)(nil)
	_ domain.SyncFailureReporter = (*Service)(nil)
)
