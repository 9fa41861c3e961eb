package keysync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/instrument"
	"pqratchet/internal/protocol/kdf"
	"pqratchet/internal/protocol/ratchet"
	"pqratchet/internal/util/memzero"
)

const (
	// DefaultPackageTTL bounds how long a package may wait for its target.
	DefaultPackageTTL = 7 * 24 * time.Hour

	// Queue priorities; forced packages settle conflicts and go first.
	PriorityNormal uint8 = 100
	PriorityForced uint8 = 200
)

// snapshotEnc keeps sub-second step times, which break conflict ties.
var snapshotEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

var (
	// ErrWrongTarget is returned when a device tries to open a package
	// addressed to another device.
	ErrWrongTarget = errors.New("keysync: package addressed to another device")
	// ErrPackageRejected marks a package that could not be opened or
	// applied. Its snapshot is dropped and it is never retried.
	ErrPackageRejected = errors.New("keysync: package rejected")
)

// Registry is the part of the device registry the coordinator needs.
type Registry interface {
	SyncTargets(user domain.UserID, origin domain.DeviceID) ([]domain.DeviceIdentity, error)
	Device(id domain.DeviceID) (domain.DeviceIdentity, error)
}

// States reads and replaces local ratchet states.
type States interface {
	Snapshot(key domain.StateKey) (domain.RatchetState, bool, error)
	Adopt(ctx context.Context, snapshot domain.RatchetState) error
}

// DivergenceReporter is told when a received snapshot disagrees with the
// local state in a way that needs a conflict resolution.
type DivergenceReporter interface {
	Report(ctx context.Context, key domain.StateKey, local, remote domain.DeviceStateReport) (domain.KeyConflict, error)
}

// Recipient is an unlocked device able to open its packages.
type Recipient struct {
	DeviceID domain.DeviceID
	Private  domain.X25519Private
}

// Deps are the collaborators of a Service.
type Deps struct {
	Packages  domain.SyncPackageStore
	Queue     domain.OfflineQueueStore
	Conflicts domain.ConflictStore
	Transport domain.SyncTransport
	Registry  Registry
	States    States
	Reporter  DivergenceReporter
	Metrics   *instrument.Metrics
	Log       *logging.Logger
}

// Config tunes a Service.
type Config struct {
	PackageTTL time.Duration
	Clock      func() time.Time
}

// Service is the key sync coordinator of one device.
type Service struct {
	Deps
	cfg Config

	// mu serialises consumption between Pull and the push loop.
	mu sync.Mutex
}

// New returns a coordinator. Zero Config fields take defaults.
func New(d Deps, cfg Config) *Service {
	if cfg.PackageTTL <= 0 {
		cfg.PackageTTL = DefaultPackageTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{Deps: d, cfg: cfg}
}

// SetReporter installs the divergence reporter after construction, for
// the resolver that itself depends on the coordinator.
func (s *Service) SetReporter(r DivergenceReporter) { s.Reporter = r }

// Distribute snapshots the state of key and sends it to every verified,
// non-revoked device of the owner other than origin.
func (s *Service) Distribute(ctx context.Context, origin domain.DeviceID, key domain.StateKey) ([]domain.KeySyncPackage, error) {
	st, ok, err := s.States.Snapshot(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ratchet state %s: %w", key, domain.ErrNotFound)
	}
	defer ratchet.Wipe(&st)

	targets, err := s.Registry.SyncTargets(key.UserID, origin)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	pkgs := make([]domain.KeySyncPackage, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := s.build(st, origin, t, false, "")
			if err != nil {
				return fmt.Errorf("package for %s: %w", t.DeviceID, err)
			}
			pkgs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range pkgs {
		if err := s.send(ctx, &pkgs[i], PriorityNormal); err != nil {
			return nil, err
		}
	}
	s.Log.Infof("distributed %s from %s to %d devices", key, origin, len(pkgs))
	return pkgs, nil
}

// SendForced sends snapshot to target as an overwrite that settles the
// conflict with the given id.
func (s *Service) SendForced(
	ctx context.Context,
	origin domain.DeviceID,
	target domain.DeviceID,
	snapshot domain.RatchetState,
	conflictID string,
) (domain.KeySyncPackage, error) {
	dev, err := s.Registry.Device(target)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	if dev.Revoked() {
		return domain.KeySyncPackage{}, fmt.Errorf("forced sync to %s: %w", target, domain.ErrDeviceRevoked)
	}
	p, err := s.build(snapshot, origin, dev, true, conflictID)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	if err := s.send(ctx, &p, PriorityForced); err != nil {
		return domain.KeySyncPackage{}, err
	}
	return p, nil
}

// build seals st to target. It touches no shared state and runs in parallel.
func (s *Service) build(
	st domain.RatchetState,
	origin domain.DeviceID,
	target domain.DeviceIdentity,
	force bool,
	conflictID string,
) (domain.KeySyncPackage, error) {
	raw, err := snapshotEnc.Marshal(st)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	defer memzero.Zero(raw)

	eph, err := crypto.GenerateX25519()
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	defer memzero.Zero(eph.Private[:])
	key, err := wrapKey(eph.Private, target.EncryptionPublicKey)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	defer memzero.Zero(key)

	now := s.cfg.Clock().UTC()
	p := domain.KeySyncPackage{
		ID:             uuid.NewString(),
		UserID:         st.Key.UserID,
		Key:            st.Key,
		Kind:           domain.PackageKindRatchetState,
		OriginDeviceID: origin,
		TargetDeviceID: target.DeviceID,
		EphemeralKey:   eph.Public,
		Force:          force,
		ConflictID:     conflictID,
		Status:         domain.PackagePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.PackageTTL),
	}
	p.Nonce, p.Ciphertext, p.AuthTag, err = crypto.XChaCha20Poly1305.Seal(key, raw, packageAD(p))
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	return p, nil
}

// send persists p, then pushes it. A failed push is queued for retry.
func (s *Service) send(ctx context.Context, p *domain.KeySyncPackage, priority uint8) error {
	if err := s.Packages.SavePackage(*p); err != nil {
		return err
	}
	s.Metrics.SyncPackage("created")

	if err := s.Transport.Deliver(ctx, *p); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Log.Warningf("deliver package %s to %s: %v; queued", p.ID, p.TargetDeviceID, err)
		now := s.cfg.Clock().UTC()
		_, qerr := s.Queue.Enqueue(domain.OfflineSyncItem{
			ID:            uuid.NewString(),
			DeviceID:      p.TargetDeviceID,
			PackageID:     p.ID,
			Priority:      priority,
			Status:        domain.SyncPending,
			NextAttemptAt: now,
			LastError:     err.Error(),
			CreatedAt:     now,
			ExpiresAt:     p.ExpiresAt,
		})
		if qerr == nil {
			s.Metrics.QueueItem("enqueued")
		}
		return qerr
	}
	return s.MarkDelivered(p)
}

// MarkDelivered records a successful push of p. The relay holds the
// sealed copy from here on, so only a tombstone is kept locally.
func (s *Service) MarkDelivered(p *domain.KeySyncPackage) error {
	p.Status = domain.PackageDelivered
	if err := s.Packages.SavePackage(p.Tombstone()); err != nil {
		return err
	}
	s.Metrics.SyncPackage("delivered")
	return nil
}

// Receive stores a package pushed to this device. Known packages are left
// untouched so a processed package stays processed.
func (s *Service) Receive(p domain.KeySyncPackage) error {
	_, known, err := s.Packages.LoadPackage(p.ID)
	if err != nil || known {
		return err
	}
	p.Status = domain.PackageDelivered
	return s.Packages.SavePackage(p)
}

// Pending returns the packages addressed to device that are still waiting
// to be consumed.
func (s *Service) Pending(device domain.DeviceID) ([]domain.KeySyncPackage, error) {
	all, err := s.Packages.PackagesFor(device)
	if err != nil {
		return nil, err
	}
	now := s.cfg.Clock()
	out := all[:0]
	for _, p := range all {
		if (p.Status == domain.PackagePending || p.Status == domain.PackageDelivered) && !p.Expired(now) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.KeySyncPackage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Pull fetches this device's packages from the transport and consumes
// every pending one, oldest first. It returns how many were applied. A
// rejected package is dropped and does not stop the packages behind it;
// other failures are returned together once every package was tried.
func (s *Service) Pull(ctx context.Context, self Recipient) (int, error) {
	fetched, err := s.Transport.Fetch(ctx, self.DeviceID)
	if err != nil {
		return 0, err
	}
	for _, p := range fetched {
		if err := s.Receive(p); err != nil {
			return 0, err
		}
	}
	pending, err := s.Pending(self.DeviceID)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, p := range pending {
		applied, err := s.consume(ctx, self, p.ID)
		switch {
		case err == nil:
			if applied {
				n++
			}
		case ctx.Err() != nil:
			return n, ctx.Err()
		case errors.Is(err, ErrPackageRejected):
			s.Log.Warningf("dropped package %s from %s: %v", p.ID, p.OriginDeviceID, err)
		default:
			errs = append(errs, fmt.Errorf("consume %s: %w", p.ID, err))
		}
	}
	return n, errors.Join(errs...)
}

// Run consumes packages pushed on in until ctx is done or in is closed.
// Failures are logged; the package stays pending for the next Pull.
func (s *Service) Run(ctx context.Context, self Recipient, in <-chan domain.KeySyncPackage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.Receive(p); err != nil {
				s.Log.Errorf("store package %s: %v", p.ID, err)
				continue
			}
			if err := s.Consume(ctx, self, p.ID); err != nil {
				s.Log.Warningf("consume package %s: %v", p.ID, err)
			}
		}
	}
}

// Consume opens and applies package id. Consuming a processed package is a
// no-op; an expired package is purged and reported as ErrKeyExpired. A
// package that cannot be opened is rejected: its snapshot is dropped and
// the error wraps ErrPackageRejected.
func (s *Service) Consume(ctx context.Context, self Recipient, id string) error {
	_, err := s.consume(ctx, self, id)
	return err
}

// consume reports whether the package's state was applied. A package held
// for a conflict decision is not applied yet.
func (s *Service) consume(ctx context.Context, self Recipient, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok, err := s.Packages.LoadPackage(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("package %s: %w", id, domain.ErrNotFound)
	}
	switch p.Status {
	case domain.PackageProcessed, domain.PackageRejected, domain.PackageHeld:
		return false, nil
	}
	if p.TargetDeviceID != self.DeviceID {
		return false, ErrWrongTarget
	}
	now := s.cfg.Clock()
	if p.Status == domain.PackageExpired || p.Expired(now) {
		if err := s.Packages.DeletePackage(p.ID); err != nil {
			return false, err
		}
		s.Metrics.SyncPackage("expired")
		return false, fmt.Errorf("package %s expired at %s: %w", p.ID, p.ExpiresAt.Format(time.RFC3339), domain.ErrKeyExpired)
	}

	st, err := open(self, p)
	if err != nil {
		return false, s.reject(p, err)
	}
	defer ratchet.Wipe(&st)
	if st.Key != p.Key {
		return false, s.reject(p, fmt.Errorf("package %s carries state %s for %s: %w", p.ID, st.Key, p.Key, domain.ErrInvalidKeyMaterial))
	}

	if p.Force {
		err = s.applyForced(ctx, p, st)
	} else {
		err = s.apply(ctx, self, p, st)
	}
	switch {
	case errors.Is(err, errHeld), errors.Is(err, errDeferred):
		return false, nil
	case err != nil && ctx.Err() == nil && errors.Is(err, domain.ErrInvalidKeyMaterial):
		return false, s.reject(p, err)
	case err != nil:
		return false, err
	}

	processed := now.UTC()
	p.Status = domain.PackageProcessed
	p.ProcessedAt = &processed
	if err := s.Packages.SavePackage(p.Tombstone()); err != nil {
		return false, err
	}
	s.Metrics.SyncPackage("consumed")
	return true, nil
}

// reject drops the snapshot of p and keeps a tombstone so that a second
// delivery of the same package is ignored.
func (s *Service) reject(p domain.KeySyncPackage, cause error) error {
	p.Status = domain.PackageRejected
	if err := s.Packages.SavePackage(p.Tombstone()); err != nil {
		return errors.Join(cause, err)
	}
	s.Metrics.SyncPackage("rejected")
	return fmt.Errorf("%w: %w", ErrPackageRejected, cause)
}

func (s *Service) applyForced(ctx context.Context, p domain.KeySyncPackage, st domain.RatchetState) error {
	if err := s.States.Adopt(ctx, st); err != nil {
		return err
	}
	if p.ConflictID == "" || s.Conflicts == nil {
		return nil
	}
	c, ok, err := s.Conflicts.LoadConflict(p.ConflictID)
	if err != nil || !ok || c.Status != domain.ConflictOpen {
		return err
	}
	resolved := s.cfg.Clock().UTC()
	c.Status = domain.ConflictResolved
	c.ResolvedAt = &resolved
	return s.Conflicts.SaveConflict(c)
}

// apply installs an ordinary snapshot. Within one root epoch the snapshot
// that is ahead in both directions wins silently; anything else is a
// divergence for the resolver.
func (s *Service) apply(ctx context.Context, self Recipient, p domain.KeySyncPackage, remote domain.RatchetState) error {
	local, ok, err := s.States.Snapshot(p.Key)
	if err != nil {
		return err
	}
	if !ok {
		return s.States.Adopt(ctx, remote)
	}
	defer ratchet.Wipe(&local)

	switch compare(local, remote) {
	case remoteAhead:
		return s.States.Adopt(ctx, remote)
	case localAheadOrEqual:
		return nil
	}
	if s.Reporter == nil {
		s.Log.Warningf("state %s diverged from device %s and no resolver is installed", p.Key, p.OriginDeviceID)
		return nil
	}

	// The package waits for the decision; the conflict only refers to it.
	p.Status = domain.PackageHeld
	if err := s.Packages.SavePackage(p); err != nil {
		return err
	}
	c, err := s.Reporter.Report(ctx, p.Key, stateReport(self.DeviceID, local, ""), stateReport(p.OriginDeviceID, remote, p.ID))
	if err == nil && c.ID == "" {
		return nil
	}
	if r, ok := c.Report(p.OriginDeviceID); err == nil && ok && r.PackageID == p.ID {
		return errHeld
	}
	// Not part of the conflict: retry once the open one is settled.
	p.Status = domain.PackageDelivered
	if serr := s.Packages.SavePackage(p); serr != nil {
		return errors.Join(err, serr)
	}
	if err != nil {
		return err
	}
	return errDeferred
}

func stateReport(device domain.DeviceID, st domain.RatchetState, packageID string) domain.DeviceStateReport {
	return domain.DeviceStateReport{
		DeviceID:               device,
		Fingerprint:            ratchet.RootFingerprint(st),
		RatchetStepAt:          st.LastStepAt,
		SendingMessageNumber:   st.SendingMessageNumber,
		ReceivingMessageNumber: st.ReceivingMessageNumber,
		Version:                st.Version,
		PackageID:              packageID,
	}
}

// Release turns the held package id into a forced package settling
// conflictID. The next Pull adopts it. Release and Discard may run inside
// Report, under mu, so neither takes it.
func (s *Service) Release(_ context.Context, id, conflictID string) (domain.KeySyncPackage, error) {
	p, ok, err := s.Packages.LoadPackage(id)
	if err != nil {
		return domain.KeySyncPackage{}, err
	}
	if !ok {
		return domain.KeySyncPackage{}, fmt.Errorf("held package %s: %w", id, domain.ErrNotFound)
	}
	if p.Force && p.ConflictID == conflictID {
		return p, nil
	}
	if p.Status != domain.PackageHeld || !p.Sealed() {
		return domain.KeySyncPackage{}, fmt.Errorf("package %s is %s, not held: %w", id, p.Status, domain.ErrNotFound)
	}
	p.Force = true
	p.ConflictID = conflictID
	p.Status = domain.PackageDelivered
	if err := s.Packages.SavePackage(p); err != nil {
		return domain.KeySyncPackage{}, err
	}
	s.Log.Infof("released package %s from %s for conflict %s", p.ID, p.OriginDeviceID, conflictID)
	return p, nil
}

// Discard deletes the held package id of a state that lost its conflict.
func (s *Service) Discard(id string) error {
	if err := s.Packages.DeletePackage(id); err != nil {
		return err
	}
	s.Metrics.SyncPackage("discarded")
	return nil
}

// Purge deletes every package past its TTL, sealed or not, whether this
// device sent it or is its target. Tombstones live until then so that a
// redelivered package stays consumed.
func (s *Service) Purge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.Packages.Packages()
	if err != nil {
		return 0, err
	}
	now := s.cfg.Clock()
	n := 0
	for _, p := range all {
		if p.Status != domain.PackageExpired && !p.Expired(now) {
			continue
		}
		if err := s.Packages.DeletePackage(p.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.Log.Debugf("purged %d sync packages", n)
	}
	return n, nil
}

// RunPurge calls Purge every interval until ctx is done.
func (s *Service) RunPurge(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.Purge(); err != nil {
				s.Log.Warningf("purge sync packages: %v", err)
			}
		}
	}
}

var (
	errHeld     = errors.New("keysync: package held for a conflict")
	errDeferred = errors.New("keysync: package deferred behind an open conflict")
)

type order int

const (
	diverged order = iota
	remoteAhead
	localAheadOrEqual
)

func compare(local, remote domain.RatchetState) order {
	if local.ID != remote.ID || ratchet.RootFingerprint(local) != ratchet.RootFingerprint(remote) {
		return diverged
	}
	sendAhead := remote.SendingMessageNumber >= local.SendingMessageNumber
	recvAhead := remote.ReceivingMessageNumber >= local.ReceivingMessageNumber
	sendBehind := remote.SendingMessageNumber <= local.SendingMessageNumber
	recvBehind := remote.ReceivingMessageNumber <= local.ReceivingMessageNumber
	switch {
	case sendBehind && recvBehind:
		return localAheadOrEqual
	case sendAhead && recvAhead:
		return remoteAhead
	default:
		return diverged
	}
}

func open(self Recipient, p domain.KeySyncPackage) (domain.RatchetState, error) {
	key, err := wrapKey(self.Private, p.EphemeralKey)
	if err != nil {
		return domain.RatchetState{}, err
	}
	defer memzero.Zero(key)
	raw, err := crypto.XChaCha20Poly1305.Open(key, p.Nonce, p.Ciphertext, p.AuthTag, packageAD(p))
	if err != nil {
		return domain.RatchetState{}, err
	}
	defer memzero.Zero(raw)
	var st domain.RatchetState
	if err := cbor.Unmarshal(raw, &st); err != nil {
		return domain.RatchetState{}, fmt.Errorf("package %s: %w", p.ID, domain.ErrInvalidKeyMaterial)
	}
	return st, nil
}

func wrapKey(priv domain.X25519Private, pub domain.X25519Public) ([]byte, error) {
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared[:])
	return kdf.SyncKey(shared[:])
}

// packageAD binds a package to its id and target device.
func packageAD(p domain.KeySyncPackage) []byte {
	ad := make([]byte, 0, len(p.ID)+1+len(p.TargetDeviceID))
	ad = append(ad, p.ID...)
	ad = append(ad, 0)
	return append(ad, string(p.TargetDeviceID)...)
}
