package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/domain"
	"pqratchet/internal/instrument"
	"pqratchet/internal/protocol/ratchet"
)

// Registry is the part of the device registry the resolver needs.
type Registry interface {
	Device(id domain.DeviceID) (domain.DeviceIdentity, error)
	PenalizeConflictLoss(id domain.DeviceID) (domain.DeviceIdentity, error)
}

// Sender delivers the winner's state to the loser. A remote winner's
// state already waits on this device in a held package, which Release
// turns into a forced one; a remote loser's held package is discarded.
type Sender interface {
	SendForced(
		ctx context.Context,
		origin domain.DeviceID,
		target domain.DeviceID,
		snapshot domain.RatchetState,
		conflictID string,
	) (domain.KeySyncPackage, error)
	Release(ctx context.Context, packageID, conflictID string) (domain.KeySyncPackage, error)
	Discard(packageID string) error
}

// States reads the local ratchet state when the local device wins.
type States interface {
	Snapshot(key domain.StateKey) (domain.RatchetState, bool, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Conflicts domain.ConflictStore
	Registry  Registry
	Sender    Sender
	States    States
	Metrics   *instrument.Metrics
	Log       *logging.Logger
}

// Config tunes a Service.
type Config struct {
	// AutoResolve resolves every conflict as soon as it is reported.
	AutoResolve bool
	Clock       func() time.Time
}

// Service is the conflict resolver.
type Service struct {
	Deps
	cfg Config
}

// New returns a resolver.
func New(d Deps, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{Deps: d, cfg: cfg}
}

// Report opens a conflict when two devices disagree about the state of
// key. Equal fingerprints are no conflict and yield a zero KeyConflict. A
// conflict already open for key is returned with the newer reports of its
// devices while it is undecided.
func (s *Service) Report(ctx context.Context, key domain.StateKey, local, remote domain.DeviceStateReport) (domain.KeyConflict, error) {
	if sameState(local, remote) {
		return domain.KeyConflict{}, nil
	}
	if c, open, err := s.Conflicts.OpenConflict(key); err != nil {
		return c, err
	} else if open {
		return s.refresh(c, local, remote)
	}

	reports := []domain.DeviceStateReport{local, remote}
	sort.Slice(reports, func(i, j int) bool { return reports[i].DeviceID < reports[j].DeviceID })
	c := domain.KeyConflict{
		ID:         uuid.NewString(),
		Key:        key,
		Reports:    reports,
		Status:     domain.ConflictOpen,
		DetectedAt: s.cfg.Clock().UTC(),
	}
	if err := s.Conflicts.SaveConflict(c); err != nil {
		return domain.KeyConflict{}, err
	}
	s.Metrics.Conflict("detected", "")
	s.Log.Warningf("conflict %s on %s: %s has %s, %s has %s",
		c.ID, key, reports[0].DeviceID, reports[0].Fingerprint, reports[1].DeviceID, reports[1].Fingerprint)

	if !s.cfg.AutoResolve {
		return c, nil
	}
	if _, err := s.Resolve(ctx, c.ID); err != nil {
		return c, err
	}
	c, _, err := s.Conflicts.LoadConflict(c.ID)
	return c, err
}

// Resolve decides conflict id, sends the forced package and records the
// decision for both devices. Resolving an already decided conflict returns
// the recorded decision.
func (s *Service) Resolve(ctx context.Context, id string) ([]domain.ConflictResolution, error) {
	c, ok, err := s.Conflicts.LoadConflict(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conflict %s: %w", id, domain.ErrNotFound)
	}
	if c.PackageID != "" {
		return s.recorded(c)
	}
	if len(c.Reports) != 2 {
		return nil, fmt.Errorf("conflict %s has %d reports: %w", id, len(c.Reports), domain.ErrInvalidKeyMaterial)
	}

	winner, loser, policy, err := s.decide(c.Reports[0], c.Reports[1])
	if err != nil {
		return nil, err
	}
	pkg, err := s.settle(ctx, c, winner, loser)
	if err != nil {
		return nil, fmt.Errorf("forced sync for conflict %s: %w", id, err)
	}
	if _, err := s.Registry.PenalizeConflictLoss(loser.DeviceID); err != nil {
		return nil, err
	}

	now := s.cfg.Clock().UTC()
	out := make([]domain.ConflictResolution, 0, 2)
	for _, dev := range []domain.DeviceID{winner.DeviceID, loser.DeviceID} {
		r := domain.ConflictResolution{
			ID:                 uuid.NewString(),
			ConflictID:         c.ID,
			Key:                c.Key,
			DeviceID:           dev,
			WinnerDeviceID:     winner.DeviceID,
			LoserDeviceID:      loser.DeviceID,
			WinningFingerprint: winner.Fingerprint,
			Policy:             policy,
			PackageID:          pkg.ID,
			ResolvedAt:         now,
		}
		if err := s.Conflicts.SaveResolution(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	// A local loser stays blocked until it has applied the released package.
	c.PackageID = pkg.ID
	if winner.PackageID == "" {
		c.Status = domain.ConflictResolved
		c.ResolvedAt = &now
	}
	if err := s.Conflicts.SaveConflict(c); err != nil {
		return nil, err
	}
	s.Metrics.Conflict("resolved", string(policy))
	s.Log.Noticef("conflict %s on %s: %s wins over %s by %s", c.ID, c.Key, winner.DeviceID, loser.DeviceID, policy)
	return out, nil
}

// settle hands the winning state to the loser. A remote winner's held
// package is released to this device; a local winner's state is read now,
// sealed to the loser and wiped.
func (s *Service) settle(ctx context.Context, c domain.KeyConflict, winner, loser domain.DeviceStateReport) (domain.KeySyncPackage, error) {
	if winner.PackageID != "" {
		return s.Sender.Release(ctx, winner.PackageID, c.ID)
	}
	st, ok, err := s.States.Snapshot(c.Key)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	if !ok {
		return domain.KeySyncPackage{}, fmt.Errorf("winning state %s: %w", c.Key, domain.ErrNotFound)
	}
	defer ratchet.Wipe(&st)
	pkg, err := s.Sender.SendForced(ctx, winner.DeviceID, loser.DeviceID, st, c.ID)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	if loser.PackageID != "" {
		if err := s.Sender.Discard(loser.PackageID); err != nil {
			s.Log.Warningf("discard losing package %s: %v", loser.PackageID, err)
		}
	}
	return pkg, nil
}

// refresh points an undecided conflict at the newest state each device
// reported, dropping a held package it replaces.
func (s *Service) refresh(c domain.KeyConflict, reports ...domain.DeviceStateReport) (domain.KeyConflict, error) {
	if c.PackageID != "" {
		return c, nil
	}
	var stale []string
	changed := false
	for _, r := range reports {
		for i, cur := range c.Reports {
			if cur.DeviceID != r.DeviceID || cur == r {
				continue
			}
			if cur.PackageID != "" && cur.PackageID != r.PackageID {
				stale = append(stale, cur.PackageID)
			}
			c.Reports[i] = r
			changed = true
		}
	}
	if !changed {
		return c, nil
	}
	if err := s.Conflicts.SaveConflict(c); err != nil {
		return domain.KeyConflict{}, err
	}
	for _, id := range stale {
		if err := s.Sender.Discard(id); err != nil {
			s.Log.Warningf("discard superseded package %s: %v", id, err)
		}
	}
	return c, nil
}

// decide orders the two reports. The result does not depend on which
// device reported first.
func (s *Service) decide(a, b domain.DeviceStateReport) (winner, loser domain.DeviceStateReport, policy domain.ResolutionPolicy, err error) {
	devA, err := s.Registry.Device(a.DeviceID)
	if err != nil {
		return winner, loser, "", err
	}
	devB, err := s.Registry.Device(b.DeviceID)
	if err != nil {
		return winner, loser, "", err
	}
	switch {
	case devA.TrustScore != devB.TrustScore:
		policy = domain.PolicyTrustScore
		if devA.TrustScore > devB.TrustScore {
			return a, b, policy, nil
		}
		return b, a, policy, nil
	case !a.RatchetStepAt.Equal(b.RatchetStepAt):
		policy = domain.PolicyEarliestStep
		if a.RatchetStepAt.Before(b.RatchetStepAt) {
			return a, b, policy, nil
		}
		return b, a, policy, nil
	default:
		policy = domain.PolicyDeviceOrder
		if a.DeviceID < b.DeviceID {
			return a, b, policy, nil
		}
		return b, a, policy, nil
	}
}

func (s *Service) recorded(c domain.KeyConflict) ([]domain.ConflictResolution, error) {
	var out []domain.ConflictResolution
	for _, r := range c.Reports {
		all, err := s.Conflicts.ResolutionsFor(r.DeviceID)
		if err != nil {
			return nil, err
		}
		for _, res := range all {
			if res.ConflictID == c.ID {
				out = append(out, res)
			}
		}
	}
	return out, nil
}

func sameState(a, b domain.DeviceStateReport) bool {
	return a.Fingerprint == b.Fingerprint &&
		a.SendingMessageNumber == b.SendingMessageNumber &&
		a.ReceivingMessageNumber == b.ReceivingMessageNumber
}

// Open returns the unresolved conflict blocking key, if any.
func (s *Service) Open(key domain.StateKey) (domain.KeyConflict, bool, error) {
	return s.Conflicts.OpenConflict(key)
}

// List returns every conflict recorded for user.
func (s *Service) List(user domain.UserID) ([]domain.KeyConflict, error) {
	return s.Conflicts.ListConflicts(user)
}

// Resolutions returns the decisions recorded for device.
func (s *Service) Resolutions(device domain.DeviceID) ([]domain.ConflictResolution, error) {
	return s.Conflicts.ResolutionsFor(device)
}
