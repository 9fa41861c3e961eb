package negotiator_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pqratchet/internal/domain"
	"pqratchet/internal/log"
	"pqratchet/internal/services/negotiator"
	"pqratchet/internal/store"
)

var (
	c1 = domain.Capability{Algorithm: domain.AlgorithmClassical, SecurityLevel: domain.SecurityLevel1}
	c3 = domain.Capability{Algorithm: domain.AlgorithmClassical, SecurityLevel: domain.SecurityLevel3}
	h3 = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel3}
	h5 = domain.Capability{Algorithm: domain.AlgorithmHybrid, SecurityLevel: domain.SecurityLevel5}
)

type capsDir struct {
	mu    sync.Mutex
	sets  map[domain.UserID]domain.CapabilitySet
	calls int
}

func (c *capsDir) Capabilities(_ context.Context, u domain.UserID) (domain.CapabilitySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	set, ok := c.sets[u]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return set, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T, sets map[domain.UserID]domain.CapabilitySet) (*negotiator.Service, *capsDir, *clock) {
	t.Helper()
	db, err := store.OpenFile(filepath.Join(t.TempDir(), "neg.db"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	caps := &capsDir{sets: sets}
	clk := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc := negotiator.New(db, caps, negotiator.Config{TTL: time.Hour, Clock: clk.now}, nil, log.Discard().GetLogger("negotiator"))
	return svc, caps, clk
}

var pair = []domain.UserID{"alice", "bob"}

func TestNegotiatePrefersHybridAndIsStable(t *testing.T) {
	svc, caps, _ := newService(t, map[domain.UserID]domain.CapabilitySet{
		"alice": {c1, h3, h5},
		"bob":   {c1, h3},
	})
	ctx := context.Background()

	n, err := svc.Negotiate(ctx, "conv-1", pair)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if n.Selected() != h3 || n.Fallback {
		t.Fatalf("got %+v, want hybrid L3 without fallback", n.Selected())
	}
	again, err := svc.Negotiate(ctx, "conv-1", []domain.UserID{"bob", "alice"})
	if err != nil {
		t.Fatalf("Negotiate again: %v", err)
	}
	if again.ID != n.ID {
		t.Fatal("repeat negotiation created a new record")
	}
	if caps.calls != 2 {
		t.Fatalf("capabilities fetched %d times, want 2", caps.calls)
	}
}

func TestNegotiateFallbackAndFailClosed(t *testing.T) {
	svc, _, _ := newService(t, map[domain.UserID]domain.CapabilitySet{
		"alice": {h3, c1},
		"bob":   {h5, c3},
		"carol": {h5},
	})
	ctx := context.Background()

	n, err := svc.Negotiate(ctx, "conv-1", pair)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !n.Fallback || n.Selected() != c1 {
		t.Fatalf("got %+v fallback=%v, want classical L1 fallback", n.Selected(), n.Fallback)
	}

	if _, err := svc.Negotiate(ctx, "conv-2", []domain.UserID{"alice", "carol"}); !errors.Is(err, domain.ErrUnsupportedAlgorithm) {
		t.Fatalf("want ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, ok, _ := svc.Current("conv-2"); ok {
		t.Fatal("failed negotiation was stored")
	}
}

func TestExpiredNegotiationIsRedone(t *testing.T) {
	svc, _, clk := newService(t, map[domain.UserID]domain.CapabilitySet{
		"alice": {c1, h3},
		"bob":   {c1, h3},
	})
	ctx := context.Background()

	first, err := svc.Negotiate(ctx, "conv-1", pair)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	clk.t = clk.t.Add(2 * time.Hour)
	if _, ok, _ := svc.Current("conv-1"); ok {
		t.Fatal("expired negotiation still current")
	}
	second, err := svc.Negotiate(ctx, "conv-1", pair)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expired record reused")
	}

	hist, err := svc.History("conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != first.ID || hist[0].SupersededBy != second.ID {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestRefreshPicksUpCapabilityChange(t *testing.T) {
	svc, caps, _ := newService(t, map[domain.UserID]domain.CapabilitySet{
		"alice": {c1, h3},
		"bob":   {c1},
	})
	ctx := context.Background()

	n, err := svc.Negotiate(ctx, "conv-1", pair)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if n.Selected() != c1 {
		t.Fatalf("got %+v", n.Selected())
	}
	if _, changed, err := svc.Refresh(ctx, "conv-1"); err != nil || changed {
		t.Fatalf("Refresh without change: changed=%v err=%v", changed, err)
	}

	caps.sets["bob"] = domain.CapabilitySet{c1, h3}
	upgraded, changed, err := svc.Refresh(ctx, "conv-1")
	if err != nil || !changed {
		t.Fatalf("Refresh: changed=%v err=%v", changed, err)
	}
	if upgraded.Selected() != h3 {
		t.Fatalf("got %+v after refresh", upgraded.Selected())
	}
}

func TestMigrationLifecycle(t *testing.T) {
	svc, _, clk := newService(t, map[domain.UserID]domain.CapabilitySet{
		"alice": {c1, h3, h5},
		"bob":   {c1, h3},
	})
	ctx := context.Background()

	orig, err := svc.Negotiate(ctx, "conv-1", pair)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if _, err := svc.StartMigration("conv-1", h5, "upgrade"); !errors.Is(err, domain.ErrUnsupportedAlgorithm) {
		t.Fatalf("bob lacks L5, got %v", err)
	}

	m, err := svc.StartMigration("conv-1", c1, "interop")
	if err != nil {
		t.Fatalf("StartMigration: %v", err)
	}
	if m.Status != domain.MigrationStarted || m.From != h3 {
		t.Fatalf("unexpected migration %+v", m)
	}
	clk.t = clk.t.Add(time.Minute)
	next, err := svc.CompleteMigration(m.ID)
	if err != nil {
		t.Fatalf("CompleteMigration: %v", err)
	}
	cur, ok, err := svc.Current("conv-1")
	if err != nil || !ok || cur.ID != next.ID || cur.Selected() != c1 {
		t.Fatalf("current after migration: %+v ok=%v err=%v", cur, ok, err)
	}
	hist, _ := svc.History("conv-1")
	if len(hist) != 2 || hist[0].ID != orig.ID || hist[0].SupersededBy != next.ID {
		t.Fatalf("unexpected history %+v", hist)
	}
	if _, err := svc.CompleteMigration(m.ID); !errors.Is(err, negotiator.ErrMigrationClosed) {
		t.Fatalf("want ErrMigrationClosed, got %v", err)
	}

	m2, err := svc.StartMigration("conv-1", h3, "retry")
	if err != nil {
		t.Fatalf("StartMigration: %v", err)
	}
	failed, err := svc.FailMigration(m2.ID, "peer offline")
	if err != nil {
		t.Fatalf("FailMigration: %v", err)
	}
	if failed.Status != domain.MigrationFailed {
		t.Fatalf("status %s", failed.Status)
	}
	if cur, _, _ := svc.Current("conv-1"); cur.ID != next.ID {
		t.Fatal("failed migration changed the negotiation")
	}
}
