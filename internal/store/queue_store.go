package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

// Enqueue appends item to its device queue, assigning the next sequence
// number. Keys sort by descending priority, then FIFO.
func (d *DB) Enqueue(item domain.OfflineSyncItem) (domain.OfflineSyncItem, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, queueBucket, []byte(item.DeviceID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.Seq = seq
		return d.put(b, queueKey(item.Priority, item.Seq), item)
	})
	return item, err
}

// Due returns pending items ready for another attempt.
func (d *DB) Due(device domain.DeviceID, now time.Time) ([]domain.OfflineSyncItem, error) {
	items, err := d.Items(device)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Status == domain.SyncPending && !it.NextAttemptAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Items returns every queued item for device in queue order.
func (d *DB) Items(device domain.DeviceID) ([]domain.OfflineSyncItem, error) {
	var out []domain.OfflineSyncItem
	err := d.db.View(func(tx *bolt.Tx) error {
		b := lookupNested(tx, queueBucket, []byte(device))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var it domain.OfflineSyncItem
			if err := d.dec.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("%w: %v", errCorruptDB, err)
			}
			out = append(out, it)
		}
		return nil
	})
	return out, err
}

// UpdateItem rewrites an item in place.
func (d *DB) UpdateItem(item domain.OfflineSyncItem) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := lookupNested(tx, queueBucket, []byte(item.DeviceID))
		k := queueKey(item.Priority, item.Seq)
		if b == nil || b.Get(k) == nil {
			return fmt.Errorf("%w: queue item %s", domain.ErrNotFound, item.ID)
		}
		return d.put(b, k, item)
	})
}

// RemoveItem deletes an item from its device queue.
func (d *DB) RemoveItem(item domain.OfflineSyncItem) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := lookupNested(tx, queueBucket, []byte(item.DeviceID))
		if b == nil {
			return nil
		}
		return b.Delete(queueKey(item.Priority, item.Seq))
	})
}

// QueuedDevices lists every device that has a queue.
func (d *DB) QueuedDevices() ([]domain.DeviceID, error) {
	var out []domain.DeviceID
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(queueBucket)).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, domain.DeviceID(k))
			}
			return nil
		})
	})
	return out, err
}
