package conflict

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pqratchet/internal/domain"
	"pqratchet/internal/log"
	"pqratchet/internal/protocol/ratchet"
	"pqratchet/internal/store"
)

var testKey = domain.StateKey{ConversationID: "conv-1", UserID: "alice"}

// secretChain marks key material the resolver must never persist.
var secretChain = bytes.Repeat([]byte{0xA7}, 32)

type fakeRegistry struct {
	devices   map[domain.DeviceID]domain.DeviceIdentity
	penalized []domain.DeviceID
}

func (r *fakeRegistry) Device(id domain.DeviceID) (domain.DeviceIdentity, error) {
	d, ok := r.devices[id]
	if !ok {
		return domain.DeviceIdentity{}, domain.ErrNotFound
	}
	return d, nil
}

func (r *fakeRegistry) PenalizeConflictLoss(id domain.DeviceID) (domain.DeviceIdentity, error) {
	r.penalized = append(r.penalized, id)
	d := r.devices[id]
	d.TrustScore -= 15
	r.devices[id] = d
	return d, nil
}

type forced struct {
	origin, target domain.DeviceID
	snapshot       domain.RatchetState
	conflictID     string
}

type fakeSender struct {
	sent      []forced
	released  []string
	discarded []string
}

func (s *fakeSender) SendForced(_ context.Context, origin, target domain.DeviceID, snap domain.RatchetState, conflictID string) (domain.KeySyncPackage, error) {
	s.sent = append(s.sent, forced{origin, target, snap, conflictID})
	return domain.KeySyncPackage{ID: "pkg-" + string(target), TargetDeviceID: target, Force: true}, nil
}

func (s *fakeSender) Release(_ context.Context, id, conflictID string) (domain.KeySyncPackage, error) {
	s.released = append(s.released, id)
	return domain.KeySyncPackage{ID: id, Force: true, ConflictID: conflictID}, nil
}

func (s *fakeSender) Discard(id string) error {
	s.discarded = append(s.discarded, id)
	return nil
}

type fakeStates struct{ st domain.RatchetState }

func (f fakeStates) Snapshot(key domain.StateKey) (domain.RatchetState, bool, error) {
	if key != f.st.Key {
		return domain.RatchetState{}, false, nil
	}
	return ratchet.Clone(f.st), true, nil
}

type fixture struct {
	svc    *Service
	reg    *fakeRegistry
	sender *fakeSender
	db     *store.DB
}

func newFixture(t *testing.T, scores map[domain.DeviceID]int) *fixture {
	t.Helper()
	db, err := store.OpenFile(filepath.Join(t.TempDir(), "conflicts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := &fakeRegistry{devices: make(map[domain.DeviceID]domain.DeviceIdentity)}
	for id, score := range scores {
		reg.devices[id] = domain.DeviceIdentity{DeviceID: id, UserID: "alice", TrustScore: score}
	}
	sender := &fakeSender{}
	states := fakeStates{st: domain.RatchetState{
		ID:              "state-local",
		Key:             testKey,
		RootKey:         bytes.Clone(secretChain),
		SendingChainKey: bytes.Clone(secretChain),
	}}
	svc := New(Deps{
		Conflicts: db,
		Registry:  reg,
		Sender:    sender,
		States:    states,
		Log:       log.Discard().GetLogger("conflict"),
	}, Config{})
	return &fixture{svc: svc, reg: reg, sender: sender, db: db}
}

// local is this device's report; remote reports come with the id of the
// package holding that device's state.
func local(dev domain.DeviceID, fp string, stepAt time.Time) domain.DeviceStateReport {
	return domain.DeviceStateReport{DeviceID: dev, Fingerprint: domain.Fingerprint(fp), RatchetStepAt: stepAt}
}

func remote(dev domain.DeviceID, fp string, stepAt time.Time) domain.DeviceStateReport {
	r := local(dev, fp, stepAt)
	r.PackageID = "held-" + string(dev)
	return r
}

func TestHigherTrustWinsRegardlessOfOrder(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	strong := local("phone", "fp-strong", t0.Add(time.Hour))
	weak := remote("laptop", "fp-weak", t0)

	for name, order := range map[string][2]domain.DeviceStateReport{
		"strong-first": {strong, weak},
		"weak-first":   {weak, strong},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, map[domain.DeviceID]int{"phone": 80, "laptop": 40})
			ctx := context.Background()

			c, err := f.svc.Report(ctx, testKey, order[0], order[1])
			require.NoError(t, err)
			require.Equal(t, domain.ConflictOpen, c.Status)

			rs, err := f.svc.Resolve(ctx, c.ID)
			require.NoError(t, err)
			require.Len(t, rs, 2)
			for _, r := range rs {
				require.Equal(t, domain.DeviceID("phone"), r.WinnerDeviceID)
				require.Equal(t, domain.DeviceID("laptop"), r.LoserDeviceID)
				require.Equal(t, domain.Fingerprint("fp-strong"), r.WinningFingerprint)
				require.Equal(t, domain.PolicyTrustScore, r.Policy)
			}
			require.ElementsMatch(t, []domain.DeviceID{"phone", "laptop"}, []domain.DeviceID{rs[0].DeviceID, rs[1].DeviceID})

			require.Len(t, f.sender.sent, 1)
			require.Equal(t, domain.DeviceID("laptop"), f.sender.sent[0].target)
			require.Equal(t, "state-local", f.sender.sent[0].snapshot.ID)
			require.Equal(t, []string{"held-laptop"}, f.sender.discarded)
			require.Equal(t, []domain.DeviceID{"laptop"}, f.reg.penalized)

			_, open, err := f.svc.Open(testKey)
			require.NoError(t, err)
			require.False(t, open)
		})
	}
}

func TestConflictHoldsNoKeyMaterial(t *testing.T) {
	t0 := time.Now()
	ctx := context.Background()
	f := newFixture(t, map[domain.DeviceID]int{"phone": 80, "laptop": 40})

	c, err := f.svc.Report(ctx, testKey, local("phone", "fp-p", t0), remote("laptop", "fp-l", t0))
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, c.ID)
	require.NoError(t, err)

	stored, ok, err := f.db.LoadConflict(c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NotContains(t, string(raw), base64.StdEncoding.EncodeToString(secretChain))

	// The state read for the forced package is zeroed once it was sent.
	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0].snapshot
	require.Equal(t, make([]byte, len(secretChain)), sent.RootKey)
	require.Equal(t, make([]byte, len(secretChain)), sent.SendingChainKey)
}

func TestTieBreakers(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	f := newFixture(t, map[domain.DeviceID]int{"a": 50, "b": 50})
	c, err := f.svc.Report(ctx, testKey, local("a", "fp-a", t0.Add(time.Second)), remote("b", "fp-b", t0))
	require.NoError(t, err)
	rs, err := f.svc.Resolve(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeviceID("b"), rs[0].WinnerDeviceID)
	require.Equal(t, domain.PolicyEarliestStep, rs[0].Policy)
	require.Equal(t, []string{"held-b"}, f.sender.released)

	f = newFixture(t, map[domain.DeviceID]int{"a": 50, "b": 50})
	c, err = f.svc.Report(ctx, testKey, remote("b", "fp-b", t0), local("a", "fp-a", t0))
	require.NoError(t, err)
	rs, err = f.svc.Resolve(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeviceID("a"), rs[0].WinnerDeviceID)
	require.Equal(t, domain.PolicyDeviceOrder, rs[0].Policy)
}

func TestReportIsIdempotent(t *testing.T) {
	t0 := time.Now()
	ctx := context.Background()
	f := newFixture(t, map[domain.DeviceID]int{"a": 30, "b": 60})

	same, err := f.svc.Report(ctx, testKey, local("a", "fp", t0), remote("b", "fp", t0))
	require.NoError(t, err)
	require.Empty(t, same.ID)

	first, err := f.svc.Report(ctx, testKey, local("a", "fp-a", t0), remote("b", "fp-b", t0))
	require.NoError(t, err)
	second, err := f.svc.Report(ctx, testKey, remote("b", "fp-b", t0), local("a", "fp-a", t0))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Empty(t, f.sender.discarded)

	_, err = f.svc.Resolve(ctx, first.ID)
	require.NoError(t, err)
	again, err := f.svc.Resolve(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, again, 2)
	require.Len(t, f.sender.released, 1)
	require.Empty(t, f.sender.sent)
}

func TestNewerRemoteStateReplacesHeldPackage(t *testing.T) {
	t0 := time.Now()
	ctx := context.Background()
	f := newFixture(t, map[domain.DeviceID]int{"phone": 80, "laptop": 40})

	first, err := f.svc.Report(ctx, testKey, local("laptop", "fp-l", t0), remote("phone", "fp-p1", t0))
	require.NoError(t, err)

	newer := remote("phone", "fp-p2", t0)
	newer.PackageID = "held-phone-2"
	second, err := f.svc.Report(ctx, testKey, local("laptop", "fp-l", t0), newer)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, []string{"held-phone"}, f.sender.discarded)

	r, ok := second.Report("phone")
	require.True(t, ok)
	require.Equal(t, "held-phone-2", r.PackageID)

	_, err = f.svc.Resolve(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"held-phone-2"}, f.sender.released)
}

func TestLocalLoserStaysBlockedUntilApplied(t *testing.T) {
	t0 := time.Now()
	ctx := context.Background()
	f := newFixture(t, map[domain.DeviceID]int{"phone": 80, "laptop": 40})

	c, err := f.svc.Report(ctx, testKey, local("laptop", "fp-l", t0), remote("phone", "fp-p", t0))
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, f.sender.sent)

	open, ok, err := f.svc.Open(testKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "held-phone", open.PackageID)
}

func TestAutoResolve(t *testing.T) {
	t0 := time.Now()
	f := newFixture(t, map[domain.DeviceID]int{"phone": 80, "laptop": 40})
	f.svc.cfg.AutoResolve = true

	c, err := f.svc.Report(context.Background(), testKey, remote("laptop", "fp-l", t0), local("phone", "fp-p", t0))
	require.NoError(t, err)
	require.Equal(t, domain.ConflictResolved, c.Status)
	require.NotNil(t, c.ResolvedAt)

	rs, err := f.svc.Resolutions("laptop")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, domain.DeviceID("phone"), rs[0].WinnerDeviceID)
}
