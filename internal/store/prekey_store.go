package store

import (
	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

// SaveSignedPreKey stores spk for device and marks it current.
func (d *DB) SaveSignedPreKey(device domain.DeviceID, spk domain.SignedPreKeyPair) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, preKeysBucket, []byte(device))
		if err != nil {
			return err
		}
		if err := d.put(b, []byte(spk.ID), spk); err != nil {
			return err
		}
		return tx.Bucket([]byte(preKeyCurrentBucket)).Put([]byte(device), []byte(spk.ID))
	})
}

// LoadSignedPreKey retrieves a specific signed pre-key, current or not.
func (d *DB) LoadSignedPreKey(device domain.DeviceID, id domain.PreKeyID) (domain.SignedPreKeyPair, bool, error) {
	var spk domain.SignedPreKeyPair
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = d.get(lookupNested(tx, preKeysBucket, []byte(device)), []byte(id), &spk)
		return err
	})
	return spk, ok, err
}

// CurrentSignedPreKey retrieves the pre-key most recently saved for device.
func (d *DB) CurrentSignedPreKey(device domain.DeviceID) (domain.SignedPreKeyPair, bool, error) {
	var spk domain.SignedPreKeyPair
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(preKeyCurrentBucket)).Get([]byte(device))
		if id == nil {
			return nil
		}
		var err error
		ok, err = d.get(lookupNested(tx, preKeysBucket, []byte(device)), id, &spk)
		return err
	})
	return spk, ok, err
}
