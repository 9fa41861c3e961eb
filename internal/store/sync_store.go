package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

// SavePackage inserts or replaces a sync package and indexes it by target.
func (d *DB) SavePackage(p domain.KeySyncPackage) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := d.put(tx.Bucket([]byte(packagesBucket)), []byte(p.ID), p); err != nil {
			return err
		}
		idx, err := nested(tx, packagesByDevBucket, []byte(p.TargetDeviceID))
		if err != nil {
			return err
		}
		return idx.Put([]byte(p.ID), nil)
	})
}

// LoadPackage retrieves a package by id.
func (d *DB) LoadPackage(id string) (domain.KeySyncPackage, bool, error) {
	var p domain.KeySyncPackage
	ok, err := d.view(packagesBucket, []byte(id), &p)
	return p, ok, err
}

// PackagesFor returns every stored package addressed to target.
func (d *DB) PackagesFor(target domain.DeviceID) ([]domain.KeySyncPackage, error) {
	var out []domain.KeySyncPackage
	err := d.db.View(func(tx *bolt.Tx) error {
		idx := lookupNested(tx, packagesByDevBucket, []byte(target))
		if idx == nil {
			return nil
		}
		pkgs := tx.Bucket([]byte(packagesBucket))
		return idx.ForEach(func(k, _ []byte) error {
			var p domain.KeySyncPackage
			ok, err := d.get(pkgs, k, &p)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// Packages returns every stored package, whichever device it targets.
func (d *DB) Packages() ([]domain.KeySyncPackage, error) {
	var out []domain.KeySyncPackage
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(packagesBucket)).ForEach(func(_, v []byte) error {
			var p domain.KeySyncPackage
			if err := d.dec.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("%w: %v", errCorruptDB, err)
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// DeletePackage removes a package and its index entry.
func (d *DB) DeletePackage(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		pkgs := tx.Bucket([]byte(packagesBucket))
		var p domain.KeySyncPackage
		ok, err := d.get(pkgs, []byte(id), &p)
		if err != nil || !ok {
			return err
		}
		if idx := lookupNested(tx, packagesByDevBucket, []byte(p.TargetDeviceID)); idx != nil {
			if err := idx.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return pkgs.Delete([]byte(id))
	})
}

// SaveConflict stores c and maintains the open-conflict index, so at most
// one open conflict exists per state key.
func (d *DB) SaveConflict(c domain.KeyConflict) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		open := tx.Bucket([]byte(openConflictsBucket))
		k := stateKeyBytes(c.Key)
		if c.Status == domain.ConflictOpen {
			if cur := open.Get(k); cur != nil && string(cur) != c.ID {
				return fmt.Errorf("store: conflict %s already open for %s", cur, c.Key)
			}
			if err := open.Put(k, []byte(c.ID)); err != nil {
				return err
			}
		} else if cur := open.Get(k); cur != nil && string(cur) == c.ID {
			if err := open.Delete(k); err != nil {
				return err
			}
		}
		if err := d.put(tx.Bucket([]byte(conflictsBucket)), []byte(c.ID), c); err != nil {
			return err
		}
		idx, err := nested(tx, conflictsByUser, []byte(c.Key.UserID))
		if err != nil {
			return err
		}
		return idx.Put([]byte(c.ID), nil)
	})
}

// LoadConflict retrieves a conflict by id.
func (d *DB) LoadConflict(id string) (domain.KeyConflict, bool, error) {
	var c domain.KeyConflict
	ok, err := d.view(conflictsBucket, []byte(id), &c)
	return c, ok, err
}

// OpenConflict returns the unresolved conflict for key, if any.
func (d *DB) OpenConflict(key domain.StateKey) (domain.KeyConflict, bool, error) {
	var c domain.KeyConflict
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(openConflictsBucket)).Get(stateKeyBytes(key))
		if id == nil {
			return nil
		}
		var err error
		ok, err = d.get(tx.Bucket([]byte(conflictsBucket)), id, &c)
		return err
	})
	return c, ok, err
}

// ListConflicts returns all conflicts of user, open and resolved.
func (d *DB) ListConflicts(user domain.UserID) ([]domain.KeyConflict, error) {
	var out []domain.KeyConflict
	err := d.db.View(func(tx *bolt.Tx) error {
		idx := lookupNested(tx, conflictsByUser, []byte(user))
		if idx == nil {
			return nil
		}
		all := tx.Bucket([]byte(conflictsBucket))
		return idx.ForEach(func(k, _ []byte) error {
			var c domain.KeyConflict
			ok, err := d.get(all, k, &c)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

// SaveResolution appends r to its device's resolution log.
func (d *DB) SaveResolution(r domain.ConflictResolution) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, resolutionsBucket, []byte(r.DeviceID))
		if err != nil {
			return err
		}
		return d.put(b, []byte(r.ID), r)
	})
}

// ResolutionsFor returns the resolutions recorded by device.
func (d *DB) ResolutionsFor(device domain.DeviceID) ([]domain.ConflictResolution, error) {
	var out []domain.ConflictResolution
	err := d.db.View(func(tx *bolt.Tx) error {
		b := lookupNested(tx, resolutionsBucket, []byte(device))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r domain.ConflictResolution
			if err := d.dec.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %v", errCorruptDB, err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}
