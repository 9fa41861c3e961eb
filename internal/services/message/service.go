package message

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/domain"
	"pqratchet/internal/instrument"
)

// Sessions is the session engine the facade drives.
type Sessions interface {
	Encrypt(ctx context.Context, key domain.StateKey, plaintext []byte) (domain.EncryptedPayload, error)
	Decrypt(ctx context.Context, key domain.StateKey, payload domain.EncryptedPayload) ([]byte, error)
	Rekey(ctx context.Context, key domain.StateKey, to domain.Capability) error
	Unlocked() bool
}

// Migrations is the negotiator with its migration lifecycle.
type Migrations interface {
	domain.Negotiator
	StartMigration(conv domain.ConversationID, to domain.Capability, reason string) (domain.CryptoMigration, error)
	CompleteMigration(id string) (domain.AlgorithmNegotiation, error)
	FailMigration(id, reason string) (domain.CryptoMigration, error)
}

// Devices lists a user's registered devices.
type Devices interface {
	Devices(user domain.UserID) ([]domain.DeviceIdentity, error)
}

// Deps are the collaborators of a Service. Owner is the local user whose
// keys EncryptionStatus reports on.
type Deps struct {
	Sessions      Sessions
	Negotiator    Migrations
	Conversations domain.ConversationStore
	Directory     domain.ConversationDirectory
	Devices       Devices
	Owner         domain.UserID
	Clock         func() time.Time
	Metrics       *instrument.Metrics
	Log           *logging.Logger
}

// Service implements domain.MessageService.
type Service struct {
	Deps
}

// New returns a message facade.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{Deps: d}
}

// EnableEncryption negotiates a suite for conv and turns encryption on.
// Enabling an enabled conversation does nothing.
func (s *Service) EnableEncryption(ctx context.Context, conv domain.ConversationID) error {
	set, ok, err := s.Conversations.LoadSettings(conv)
	if err != nil {
		return err
	}
	if ok && set.Enabled {
		return nil
	}
	participants, err := s.Directory.Participants(ctx, conv)
	if err != nil {
		return fmt.Errorf("participants of %s: %w", conv, err)
	}
	n, err := s.Negotiator.Negotiate(ctx, conv, participants)
	if err != nil {
		return err
	}
	if err := s.enable(conv); err != nil {
		return err
	}
	s.Log.Noticef("encryption enabled for %s using %s/%d", conv, n.Algorithm, n.SecurityLevel)
	return nil
}

func (s *Service) enable(conv domain.ConversationID) error {
	return s.Conversations.SaveSettings(domain.ConversationSettings{
		ConversationID: conv,
		Enabled:        true,
		EnabledAt:      s.Clock().UTC(),
	})
}

// IsEncryptionEnabled reports whether conv is encrypted and user has a
// usable device to take part.
func (s *Service) IsEncryptionEnabled(conv domain.ConversationID, user domain.UserID) (bool, error) {
	set, ok, err := s.Conversations.LoadSettings(conv)
	if err != nil || !ok || !set.Enabled {
		return false, err
	}
	return s.hasDevice(user)
}

// EncryptionStatus reports whether the owner has device keys and whether
// they are unlocked.
func (s *Service) EncryptionStatus() domain.EncryptionStatus {
	has, err := s.hasDevice(s.Owner)
	if err != nil {
		s.Log.Warningf("device lookup for %s: %v", s.Owner, err)
	}
	return domain.EncryptionStatus{HasKeys: has, KeysLoaded: has && s.Sessions.Unlocked()}
}

func (s *Service) hasDevice(user domain.UserID) (bool, error) {
	devs, err := s.Devices.Devices(user)
	if err != nil {
		return false, err
	}
	for _, d := range devs {
		if !d.Revoked() {
			return true, nil
		}
	}
	return false, nil
}

// Encrypt seals plaintext from user in conv.
func (s *Service) Encrypt(
	ctx context.Context,
	plaintext []byte,
	conv domain.ConversationID,
	user domain.UserID,
) (domain.EncryptedPayload, error) {
	key := domain.StateKey{ConversationID: conv, UserID: user}
	set, ok, err := s.Conversations.LoadSettings(conv)
	if err == nil && (!ok || !set.Enabled) {
		err = fmt.Errorf("%s: %w", conv, domain.ErrEncryptionDisabled)
	}
	if err != nil {
		return domain.EncryptedPayload{}, s.fail("encrypt", key, err)
	}
	payload, err := s.Sessions.Encrypt(ctx, key, plaintext)
	if err != nil {
		return domain.EncryptedPayload{}, s.fail("encrypt", key, err)
	}
	s.Metrics.MessageOp("encrypt", "ok")
	return payload, nil
}

// Decrypt opens payload for user in conv. A payload that starts a session
// turns encryption on for conv, since the peer already has.
func (s *Service) Decrypt(
	ctx context.Context,
	payload domain.EncryptedPayload,
	conv domain.ConversationID,
	user domain.UserID,
) ([]byte, error) {
	key := domain.StateKey{ConversationID: conv, UserID: user}
	pt, err := s.Sessions.Decrypt(ctx, key, payload)
	if err != nil {
		return nil, s.fail("decrypt", key, err)
	}
	if payload.Metadata.Handshake != nil {
		if set, ok, err := s.Conversations.LoadSettings(conv); err != nil {
			s.Log.Warningf("settings of %s: %v", conv, err)
		} else if !ok || !set.Enabled {
			if err := s.enable(conv); err != nil {
				s.Log.Warningf("enable %s: %v", conv, err)
			}
		}
	}
	s.Metrics.MessageOp("decrypt", "ok")
	return pt, nil
}

// UpgradeConversation moves conv to the capability to. The local state is
// rekeyed under a migration record that completes once the new session is
// in place or fails with the reason it could not be.
func (s *Service) UpgradeConversation(
	ctx context.Context,
	conv domain.ConversationID,
	user domain.UserID,
	to domain.Capability,
) (domain.CryptoMigration, error) {
	key := domain.StateKey{ConversationID: conv, UserID: user}
	m, err := s.Negotiator.StartMigration(conv, to, "upgrade requested")
	if err != nil {
		return domain.CryptoMigration{}, s.fail("upgrade", key, err)
	}
	if err := s.Sessions.Rekey(ctx, key, to); err != nil {
		if _, ferr := s.Negotiator.FailMigration(m.ID, err.Error()); ferr != nil {
			s.Log.Errorf("fail migration %s: %v", m.ID, ferr)
		}
		return domain.CryptoMigration{}, s.fail("upgrade", key, err)
	}
	if _, err := s.Negotiator.CompleteMigration(m.ID); err != nil {
		return domain.CryptoMigration{}, s.fail("upgrade", key, err)
	}
	m.Status = domain.MigrationCompleted
	s.Metrics.MessageOp("upgrade", "ok")
	return m, nil
}

// fail logs and counts err, then hides it behind an OperationError.
func (s *Service) fail(op string, key domain.StateKey, err error) error {
	kind := domain.Kind(err)
	s.Metrics.MessageOp(op, kind)
	s.Log.Warningf("%s %s failed (%s): %v", op, key, kind, err)
	return domain.NewOperationError(op, err)
}

var _ domain.MessageService = (*Service)(nil)
