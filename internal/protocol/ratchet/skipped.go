package ratchet

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"pqratchet/internal/domain"
	"pqratchet/internal/util/memzero"
)

// DefaultMaxSkippedPerState bounds the cached keys of one ratchet state.
const DefaultMaxSkippedPerState = 1000

// SkippedLookup is what Decrypt needs from the skipped key cache. Lookup
// does not consume; consumption is recorded in the Transition.
type SkippedLookup interface {
	Lookup(ratchetStateID string, pos domain.ChainPosition) ([]byte, error)
}

// SkippedKeyStore is a bounded in-memory arena of skipped message keys per
// ratchet state, written through to persistent records. Within a state the
// oldest key is evicted first once the bound is reached.
type SkippedKeyStore struct {
	mu      sync.Mutex
	records domain.SkippedKeyRecords
	max     int
	now     func() time.Time
	arenas  map[string]*arena

	// OnEvict, if set, is called with the number of keys dropped by
	// expiry or overflow.
	OnEvict func(n int)
}

type arena struct {
	order *list.List // of *domain.SkippedMessageKey, oldest first
	index map[domain.ChainPosition]*list.Element
}

var _ SkippedLookup = (*SkippedKeyStore)(nil)

// NewSkippedKeyStore returns a cache bounded to max keys per state. records
// may be nil for a purely in-memory cache.
func NewSkippedKeyStore(records domain.SkippedKeyRecords, max int, now func() time.Time) *SkippedKeyStore {
	if max <= 0 {
		max = DefaultMaxSkippedPerState
	}
	if now == nil {
		now = time.Now
	}
	return &SkippedKeyStore{
		records: records,
		max:     max,
		now:     now,
		arenas:  make(map[string]*arena),
	}
}

// Lookup returns a copy of the key at pos. A missing key is
// ErrRatchetDesync; an expired one is purged and reported as ErrKeyExpired.
func (s *SkippedKeyStore) Lookup(stateID string, pos domain.ChainPosition) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.getLocked(stateID, pos)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(k.Key), nil
}

// Consume removes and returns the key at pos. A key is returned at most once.
func (s *SkippedKeyStore) Consume(stateID string, pos domain.ChainPosition) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.getLocked(stateID, pos)
	if err != nil {
		return nil, err
	}
	out := bytes.Clone(k.Key)
	s.removeLocked(stateID, pos)
	if err := s.deleteRecords(stateID, []domain.ChainPosition{pos}); err != nil {
		return nil, err
	}
	return out, nil
}

// Put caches keys and writes them through to the records.
func (s *SkippedKeyStore) Put(keys ...domain.SkippedMessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records != nil {
		if err := s.records.PutSkippedKeys(keys); err != nil {
			return fmt.Errorf("persist skipped keys: %w", err)
		}
	}
	return s.insertLocked(keys)
}

// Apply mirrors a committed transition into memory. The persistent side has
// already been written by the ratchet commit; only overflow evictions are
// written through here.
func (s *SkippedKeyStore) Apply(stateID string, added []domain.SkippedMessageKey, consumed []domain.ChainPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.arenaLocked(stateID); err != nil {
		return err
	}
	for _, pos := range consumed {
		s.removeLocked(stateID, pos)
	}
	owned := make([]domain.SkippedMessageKey, len(added))
	for i, k := range added {
		k.Key = bytes.Clone(k.Key)
		owned[i] = k
	}
	return s.insertLocked(owned)
}

// Len returns the number of cached keys for a state.
func (s *SkippedKeyStore) Len(stateID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.arenas[stateID]; ok {
		return a.order.Len()
	}
	return 0
}

// Drop forgets every key of a state, in memory and in the records.
func (s *SkippedKeyStore) Drop(stateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.arenaLocked(stateID)
	if err != nil {
		return err
	}
	var positions []domain.ChainPosition
	for e := a.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(*domain.SkippedMessageKey)
		positions = append(positions, k.Position)
		memzero.Zero(k.Key)
	}
	delete(s.arenas, stateID)
	return s.deleteRecords(stateID, positions)
}

// EvictExpired removes every key past its expiry and returns how many.
func (s *SkippedKeyStore) EvictExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	total := 0
	for id, a := range s.arenas {
		var expired []domain.ChainPosition
		for e := a.order.Front(); e != nil; e = e.Next() {
			k := e.Value.(*domain.SkippedMessageKey)
			if !now.Before(k.ExpiresAt) {
				expired = append(expired, k.Position)
			}
		}
		for _, pos := range expired {
			s.removeLocked(id, pos)
		}
		if err := s.deleteRecords(id, expired); err != nil {
			return total, err
		}
		total += len(expired)
	}
	s.evicted(total)
	return total, nil
}

// Run evicts expired keys every interval until ctx is done.
func (s *SkippedKeyStore) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.EvictExpired(); err != nil {
				return err
			}
		}
	}
}

func (s *SkippedKeyStore) getLocked(stateID string, pos domain.ChainPosition) (*domain.SkippedMessageKey, error) {
	a, err := s.arenaLocked(stateID)
	if err != nil {
		return nil, err
	}
	e, ok := a.index[pos]
	if !ok {
		return nil, fmt.Errorf("no skipped key at %s: %w", keyID(pos), domain.ErrRatchetDesync)
	}
	k := e.Value.(*domain.SkippedMessageKey)
	if !s.now().Before(k.ExpiresAt) {
		s.removeLocked(stateID, pos)
		if err := s.deleteRecords(stateID, []domain.ChainPosition{pos}); err != nil {
			return nil, err
		}
		s.evicted(1)
		return nil, fmt.Errorf("skipped key at %s: %w", keyID(pos), domain.ErrKeyExpired)
	}
	return k, nil
}

// arenaLocked returns the arena for a state, hydrating it from the records
// on first use.
func (s *SkippedKeyStore) arenaLocked(stateID string) (*arena, error) {
	if a, ok := s.arenas[stateID]; ok {
		return a, nil
	}
	a := &arena{order: list.New(), index: make(map[domain.ChainPosition]*list.Element)}
	s.arenas[stateID] = a
	if s.records == nil {
		return a, nil
	}
	keys, err := s.records.LoadSkippedKeys(stateID)
	if err != nil {
		delete(s.arenas, stateID)
		return nil, fmt.Errorf("load skipped keys: %w", err)
	}
	for i := range keys {
		k := keys[i]
		a.index[k.Position] = a.order.PushBack(&k)
	}
	return a, nil
}

func (s *SkippedKeyStore) insertLocked(keys []domain.SkippedMessageKey) error {
	overflow := make(map[string][]domain.ChainPosition)
	for i := range keys {
		k := keys[i]
		a, err := s.arenaLocked(k.RatchetStateID)
		if err != nil {
			return err
		}
		if old, ok := a.index[k.Position]; ok {
			a.order.Remove(old)
		}
		a.index[k.Position] = a.order.PushBack(&k)
		for a.order.Len() > s.max {
			front := a.order.Front()
			oldest := front.Value.(*domain.SkippedMessageKey)
			overflow[k.RatchetStateID] = append(overflow[k.RatchetStateID], oldest.Position)
			s.removeLocked(k.RatchetStateID, oldest.Position)
		}
	}
	for id, positions := range overflow {
		if err := s.deleteRecords(id, positions); err != nil {
			return err
		}
		s.evicted(len(positions))
	}
	return nil
}

func (s *SkippedKeyStore) removeLocked(stateID string, pos domain.ChainPosition) {
	a, ok := s.arenas[stateID]
	if !ok {
		return
	}
	e, ok := a.index[pos]
	if !ok {
		return
	}
	memzero.Zero(e.Value.(*domain.SkippedMessageKey).Key)
	a.order.Remove(e)
	delete(a.index, pos)
}

func (s *SkippedKeyStore) deleteRecords(stateID string, positions []domain.ChainPosition) error {
	if s.records == nil || len(positions) == 0 {
		return nil
	}
	if err := s.records.DeleteSkippedKeys(stateID, positions); err != nil {
		return fmt.Errorf("delete skipped keys: %w", err)
	}
	return nil
}

func (s *SkippedKeyStore) evicted(n int) {
	if n > 0 && s.OnEvict != nil {
		s.OnEvict(n)
	}
}
