package negotiator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/domain"
	"pqratchet/internal/instrument"
	"pqratchet/internal/protocol/negotiation"
)

// DefaultTTL is how long a negotiation stands before it is redone.
const DefaultTTL = 30 * 24 * time.Hour

// ErrMigrationClosed is returned when completing or failing a migration
// that already finished.
var ErrMigrationClosed = errors.New("negotiator: migration already finished")

// Config tunes a Service.
type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

// Service implements domain.Negotiator on top of a NegotiationStore.
type Service struct {
	store   domain.NegotiationStore
	caps    domain.CapabilityProvider
	cfg     Config
	metrics *instrument.Metrics
	log     *logging.Logger

	// mu serialises read-check-write of records; capability fetches happen
	// before it is taken.
	mu sync.Mutex
}

// New returns a negotiator. Zero Config fields take defaults.
func New(store domain.NegotiationStore, caps domain.CapabilityProvider, cfg Config, m *instrument.Metrics, log *logging.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{store: store, caps: caps, cfg: cfg, metrics: m, log: log}
}

// Negotiate returns the standing negotiation of conv, creating one from
// the participants' current capabilities when none is usable.
func (s *Service) Negotiate(
	ctx context.Context,
	conv domain.ConversationID,
	participants []domain.UserID,
) (domain.AlgorithmNegotiation, error) {
	if cur, ok, err := s.Current(conv); err != nil || (ok && sameParticipants(cur, participants)) {
		return cur, err
	}
	sets, err := s.fetch(ctx, participants)
	if err != nil {
		return domain.AlgorithmNegotiation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.currentLocked(conv)
	if err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	if ok && sameParticipants(cur, participants) {
		return cur, nil
	}
	return s.agreeLocked(conv, sets)
}

// Refresh re-reads the capabilities of conv's participants and replaces
// the standing negotiation if any of them changed.
func (s *Service) Refresh(ctx context.Context, conv domain.ConversationID) (domain.AlgorithmNegotiation, bool, error) {
	cur, ok, err := s.Current(conv)
	if err != nil || !ok {
		return cur, false, err
	}
	users := make([]domain.UserID, 0, len(cur.Participants))
	for u := range cur.Participants {
		users = append(users, u)
	}
	sets, err := s.fetch(ctx, users)
	if err != nil {
		return domain.AlgorithmNegotiation{}, false, err
	}
	changed := false
	for u, set := range sets {
		if !sameSet(cur.Participants[u], set) {
			changed = true
			break
		}
	}
	if !changed {
		return cur, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.agreeLocked(conv, sets)
	return n, err == nil, err
}

// Current returns the unexpired negotiation of conv.
func (s *Service) Current(conv domain.ConversationID) (domain.AlgorithmNegotiation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(conv)
}

// History returns every negotiation recorded for conv, oldest first.
func (s *Service) History(conv domain.ConversationID) ([]domain.AlgorithmNegotiation, error) {
	return s.store.NegotiationHistory(conv)
}

// StartMigration opens a migration of conv to the given capability, which
// every participant must support.
func (s *Service) StartMigration(conv domain.ConversationID, to domain.Capability, reason string) (domain.CryptoMigration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.currentLocked(conv)
	if err != nil {
		return domain.CryptoMigration{}, err
	}
	if !ok {
		return domain.CryptoMigration{}, fmt.Errorf("negotiation for %s: %w", conv, domain.ErrNotFound)
	}
	for u, set := range cur.Participants {
		if !set.Contains(to) {
			return domain.CryptoMigration{}, fmt.Errorf("%s does not support %s/%d: %w", u, to.Algorithm, to.SecurityLevel, domain.ErrUnsupportedAlgorithm)
		}
	}
	m := domain.CryptoMigration{
		ID:             uuid.NewString(),
		ConversationID: conv,
		From:           cur.Selected(),
		To:             to,
		Status:         domain.MigrationStarted,
		Reason:         reason,
		StartedAt:      s.cfg.Clock().UTC(),
	}
	if err := s.store.SaveMigration(m); err != nil {
		return domain.CryptoMigration{}, err
	}
	s.log.Noticef("migration %s of %s started: %s/%d -> %s/%d", m.ID, conv, m.From.Algorithm, m.From.SecurityLevel, to.Algorithm, to.SecurityLevel)
	return m, nil
}

// CompleteMigration supersedes the conversation's negotiation with one for
// the migration's target capability.
func (s *Service) CompleteMigration(id string) (domain.AlgorithmNegotiation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.openMigrationLocked(id)
	if err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	cur, ok, err := s.currentLocked(m.ConversationID)
	if err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	if !ok {
		return domain.AlgorithmNegotiation{}, fmt.Errorf("negotiation for %s: %w", m.ConversationID, domain.ErrNotFound)
	}

	now := s.cfg.Clock().UTC()
	next := domain.AlgorithmNegotiation{
		ID:             uuid.NewString(),
		ConversationID: m.ConversationID,
		Algorithm:      m.To.Algorithm,
		SecurityLevel:  m.To.SecurityLevel,
		Participants:   cur.Participants,
		NegotiatedAt:   now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}
	cur.SupersededBy = next.ID
	if err := s.store.SaveNegotiation(cur); err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	if err := s.store.SaveNegotiation(next); err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	m.Status = domain.MigrationCompleted
	m.FinishedAt = now
	if err := s.store.SaveMigration(m); err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	s.metrics.Negotiated(string(next.Algorithm), false)
	s.log.Noticef("migration %s of %s completed", m.ID, m.ConversationID)
	return next, nil
}

// FailMigration closes a migration without touching the negotiation.
func (s *Service) FailMigration(id, reason string) (domain.CryptoMigration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.openMigrationLocked(id)
	if err != nil {
		return domain.CryptoMigration{}, err
	}
	m.Status = domain.MigrationFailed
	m.Reason = reason
	m.FinishedAt = s.cfg.Clock().UTC()
	if err := s.store.SaveMigration(m); err != nil {
		return domain.CryptoMigration{}, err
	}
	s.log.Warningf("migration %s of %s failed: %s", m.ID, m.ConversationID, reason)
	return m, nil
}

func (s *Service) openMigrationLocked(id string) (domain.CryptoMigration, error) {
	m, ok, err := s.store.LoadMigration(id)
	if err != nil {
		return domain.CryptoMigration{}, err
	}
	if !ok {
		return domain.CryptoMigration{}, fmt.Errorf("migration %s: %w", id, domain.ErrNotFound)
	}
	if m.Status != domain.MigrationStarted {
		return domain.CryptoMigration{}, fmt.Errorf("%w: %s is %s", ErrMigrationClosed, id, m.Status)
	}
	return m, nil
}

func (s *Service) currentLocked(conv domain.ConversationID) (domain.AlgorithmNegotiation, bool, error) {
	n, ok, err := s.store.LoadNegotiation(conv)
	if err != nil || !ok {
		return domain.AlgorithmNegotiation{}, false, err
	}
	if n.SupersededBy != "" || n.Expired(s.cfg.Clock()) {
		return domain.AlgorithmNegotiation{}, false, nil
	}
	return n, true, nil
}

// agreeLocked negotiates over sets and stores the result, superseding any
// previous record of conv.
func (s *Service) agreeLocked(conv domain.ConversationID, sets map[domain.UserID]domain.CapabilitySet) (domain.AlgorithmNegotiation, error) {
	users := make([]domain.UserID, 0, len(sets))
	for u := range sets {
		users = append(users, u)
	}
	slices.Sort(users)
	ordered := make([]domain.CapabilitySet, 0, len(users))
	for _, u := range users {
		ordered = append(ordered, sets[u])
	}
	res, err := negotiation.NegotiateAll(ordered...)
	if err != nil {
		s.log.Warningf("negotiation for %s failed closed: %v", conv, err)
		return domain.AlgorithmNegotiation{}, err
	}

	now := s.cfg.Clock().UTC()
	n := domain.AlgorithmNegotiation{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Algorithm:      res.Capability.Algorithm,
		SecurityLevel:  res.Capability.SecurityLevel,
		Participants:   sets,
		Fallback:       res.Fallback,
		NegotiatedAt:   now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}
	prev, ok, err := s.store.LoadNegotiation(conv)
	if err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	if ok && prev.SupersededBy == "" {
		prev.SupersededBy = n.ID
		if err := s.store.SaveNegotiation(prev); err != nil {
			return domain.AlgorithmNegotiation{}, err
		}
	}
	if err := s.store.SaveNegotiation(n); err != nil {
		return domain.AlgorithmNegotiation{}, err
	}
	s.metrics.Negotiated(string(n.Algorithm), n.Fallback)
	if n.Fallback {
		s.log.Warningf("%s fell back to %s/%d", conv, n.Algorithm, n.SecurityLevel)
	} else {
		s.log.Infof("%s negotiated %s/%d", conv, n.Algorithm, n.SecurityLevel)
	}
	return n, nil
}

func (s *Service) fetch(ctx context.Context, users []domain.UserID) (map[domain.UserID]domain.CapabilitySet, error) {
	sets := make(map[domain.UserID]domain.CapabilitySet, len(users))
	for _, u := range users {
		set, err := s.caps.Capabilities(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("capabilities of %s: %w", u, err)
		}
		sets[u] = set
	}
	return sets, nil
}

func sameParticipants(n domain.AlgorithmNegotiation, users []domain.UserID) bool {
	if len(n.Participants) != len(users) {
		return false
	}
	for _, u := range users {
		if _, ok := n.Participants[u]; !ok {
			return false
		}
	}
	return true
}

func sameSet(a, b domain.CapabilitySet) bool {
	if len(a) != len(b) {
		return false
	}
	for _, c := range a {
		if !b.Contains(c) {
			return false
		}
	}
	return true
}

var _ domain.Negotiator = (*Service)(nil)
