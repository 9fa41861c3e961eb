package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

// LoadRatchetState retrieves the live state for key.
func (d *DB) LoadRatchetState(key domain.StateKey) (domain.RatchetState, bool, error) {
	var st domain.RatchetState
	ok, err := d.view(ratchetStatesBucket, stateKeyBytes(key), &st)
	return st, ok, err
}

// CommitRatchet applies one ratchet operation in a single transaction:
// the state, the skipped-key delta and any post-quantum key activations.
// A replaced state (different ID under the same key) takes its skipped
// keys and key material with it.
func (d *DB) CommitRatchet(ctx context.Context, c domain.RatchetCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		states := tx.Bucket([]byte(ratchetStatesBucket))
		k := stateKeyBytes(c.State.Key)

		var prev domain.RatchetState
		exists, err := d.get(states, k, &prev)
		if err != nil {
			return err
		}
		switch {
		case !exists && c.ExpectedVersion != 0:
			return fmt.Errorf("%w: %s missing, expected version %d", domain.ErrVersionConflict, c.State.Key, c.ExpectedVersion)
		case exists && prev.Version != c.ExpectedVersion:
			return fmt.Errorf("%w: %s at version %d, expected %d", domain.ErrVersionConflict, c.State.Key, prev.Version, c.ExpectedVersion)
		}
		if exists && prev.ID != c.State.ID {
			if err := dropStateChildren(tx, prev.ID); err != nil {
				return err
			}
		}
		if err := d.put(states, k, c.State); err != nil {
			return err
		}

		if len(c.PutSkipped) > 0 || len(c.DeleteSkipped) > 0 {
			sb, err := nested(tx, skippedKeysBucket, []byte(c.State.ID))
			if err != nil {
				return err
			}
			for _, pos := range c.DeleteSkipped {
				if err := sb.Delete(positionKey(pos)); err != nil {
					return err
				}
			}
			for _, sk := range c.PutSkipped {
				if err := d.put(sb, positionKey(sk.Position), sk); err != nil {
					return err
				}
			}
		}

		if len(c.ActivatePQ) > 0 {
			if err := d.activatePQ(tx, c.State.ID, c.ActivatePQ); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
}

// activatePQ stores the new material and revokes whatever was active for
// the same key type, keeping at most one active record per type.
func (d *DB) activatePQ(tx *bolt.Tx, stateID string, mats []domain.PostQuantumKeyMaterial) error {
	pb, err := nested(tx, pqKeysBucket, []byte(stateID))
	if err != nil {
		return err
	}
	replaced := make(map[domain.PQKeyType]bool, len(mats))
	for _, m := range mats {
		replaced[m.KeyType] = true
	}

	now := d.now().UTC()
	var revoke [][]byte
	var revoked []domain.PostQuantumKeyMaterial
	err = pb.ForEach(func(k, v []byte) error {
		var m domain.PostQuantumKeyMaterial
		if err := d.dec.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("%w: %v", errCorruptDB, err)
		}
		if m.IsActive && replaced[m.KeyType] {
			m.IsActive = false
			m.RevokedAt = &now
			revoke = append(revoke, bytes.Clone(k))
			revoked = append(revoked, m)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, k := range revoke {
		if err := d.put(pb, k, revoked[i]); err != nil {
			return err
		}
	}
	for _, m := range mats {
		m.IsActive = true
		if err := d.put(pb, []byte(m.ID), m); err != nil {
			return err
		}
	}
	return nil
}

func dropStateChildren(tx *bolt.Tx, stateID string) error {
	for _, parent := range []string{skippedKeysBucket, pqKeysBucket} {
		err := tx.Bucket([]byte(parent)).DeleteBucket([]byte(stateID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
	}
	return nil
}

// DeleteRatchetState removes the state for key with its children.
func (d *DB) DeleteRatchetState(key domain.StateKey) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		states := tx.Bucket([]byte(ratchetStatesBucket))
		k := stateKeyBytes(key)
		var st domain.RatchetState
		ok, err := d.get(states, k, &st)
		if err != nil || !ok {
			return err
		}
		if err := dropStateChildren(tx, st.ID); err != nil {
			return err
		}
		return states.Delete(k)
	})
}

// ListRatchetStates returns every state owned by user.
func (d *DB) ListRatchetStates(user domain.UserID) ([]domain.RatchetState, error) {
	var out []domain.RatchetState
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ratchetStatesBucket)).ForEach(func(_, v []byte) error {
			var st domain.RatchetState
			if err := d.dec.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("%w: %v", errCorruptDB, err)
			}
			if st.Key.UserID == user {
				out = append(out, st)
			}
			return nil
		})
	})
	return out, err
}

// ActivePQKeys returns the active post-quantum key material of a state.
func (d *DB) ActivePQKeys(stateID string) ([]domain.PostQuantumKeyMaterial, error) {
	var out []domain.PostQuantumKeyMaterial
	err := d.db.View(func(tx *bolt.Tx) error {
		pb := lookupNested(tx, pqKeysBucket, []byte(stateID))
		if pb == nil {
			return nil
		}
		return pb.ForEach(func(_, v []byte) error {
			var m domain.PostQuantumKeyMaterial
			if err := d.dec.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("%w: %v", errCorruptDB, err)
			}
			if m.IsActive {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

// LoadSkippedKeys returns all persisted skipped keys of a state.
func (d *DB) LoadSkippedKeys(stateID string) ([]domain.SkippedMessageKey, error) {
	var out []domain.SkippedMessageKey
	err := d.db.View(func(tx *bolt.Tx) error {
		sb := lookupNested(tx, skippedKeysBucket, []byte(stateID))
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(_, v []byte) error {
			var sk domain.SkippedMessageKey
			if err := d.dec.Unmarshal(v, &sk); err != nil {
				return fmt.Errorf("%w: %v", errCorruptDB, err)
			}
			out = append(out, sk)
			return nil
		})
	})
	return out, err
}

// PutSkippedKeys writes keys outside of a ratchet commit.
func (d *DB) PutSkippedKeys(keys []domain.SkippedMessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, sk := range keys {
			sb, err := nested(tx, skippedKeysBucket, []byte(sk.RatchetStateID))
			if err != nil {
				return err
			}
			if err := d.put(sb, positionKey(sk.Position), sk); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSkippedKeys removes the given positions; unknown ones are ignored.
func (d *DB) DeleteSkippedKeys(stateID string, positions []domain.ChainPosition) error {
	if len(positions) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		sb := lookupNested(tx, skippedKeysBucket, []byte(stateID))
		if sb == nil {
			return nil
		}
		for _, p := range positions {
			if err := sb.Delete(positionKey(p)); err != nil {
				return err
			}
		}
		return nil
	})
}
