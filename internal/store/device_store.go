package store

import (
	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

// SaveDevice inserts or replaces a device identity.
func (d *DB) SaveDevice(dev domain.DeviceIdentity) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := d.put(tx.Bucket([]byte(devicesBucket)), []byte(dev.DeviceID), dev); err != nil {
			return err
		}
		idx, err := nested(tx, devicesByUserBucket, []byte(dev.UserID))
		if err != nil {
			return err
		}
		return idx.Put([]byte(dev.DeviceID), nil)
	})
}

// LoadDevice retrieves a device by id.
func (d *DB) LoadDevice(id domain.DeviceID) (domain.DeviceIdentity, bool, error) {
	var dev domain.DeviceIdentity
	ok, err := d.view(devicesBucket, []byte(id), &dev)
	return dev, ok, err
}

// ListDevices returns the devices of user ordered by device id.
func (d *DB) ListDevices(user domain.UserID) ([]domain.DeviceIdentity, error) {
	var out []domain.DeviceIdentity
	err := d.db.View(func(tx *bolt.Tx) error {
		idx := lookupNested(tx, devicesByUserBucket, []byte(user))
		if idx == nil {
			return nil
		}
		devices := tx.Bucket([]byte(devicesBucket))
		return idx.ForEach(func(k, _ []byte) error {
			var dev domain.DeviceIdentity
			ok, err := d.get(devices, k, &dev)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, dev)
			}
			return nil
		})
	})
	return out, err
}
