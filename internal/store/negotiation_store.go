package store

import (
	"sort"

	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

// SaveNegotiation records n in the history of its conversation. A record
// that is not superseded also becomes the conversation's current one.
func (d *DB) SaveNegotiation(n domain.AlgorithmNegotiation) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		hist, err := nested(tx, negotiationHistory, []byte(n.ConversationID))
		if err != nil {
			return err
		}
		if err := d.put(hist, []byte(n.ID), n); err != nil {
			return err
		}
		if n.SupersededBy != "" {
			return nil
		}
		return d.put(tx.Bucket([]byte(negotiationsBucket)), []byte(n.ConversationID), n)
	})
}

// NegotiationHistory returns every negotiation of conv, oldest first.
func (d *DB) NegotiationHistory(conv domain.ConversationID) ([]domain.AlgorithmNegotiation, error) {
	var out []domain.AlgorithmNegotiation
	err := d.db.View(func(tx *bolt.Tx) error {
		b := lookupNested(tx, negotiationHistory, []byte(conv))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var n domain.AlgorithmNegotiation
			if err := d.dec.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].NegotiatedAt.Before(out[j].NegotiatedAt) })
	return out, err
}

// LoadNegotiation retrieves the negotiation of conv.
func (d *DB) LoadNegotiation(conv domain.ConversationID) (domain.AlgorithmNegotiation, bool, error) {
	var n domain.AlgorithmNegotiation
	ok, err := d.view(negotiationsBucket, []byte(conv), &n)
	return n, ok, err
}

// SaveMigration inserts or replaces a migration record.
func (d *DB) SaveMigration(m domain.CryptoMigration) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return d.put(tx.Bucket([]byte(migrationsBucket)), []byte(m.ID), m)
	})
}

// LoadMigration retrieves a migration by id.
func (d *DB) LoadMigration(id string) (domain.CryptoMigration, bool, error) {
	var m domain.CryptoMigration
	ok, err := d.view(migrationsBucket, []byte(id), &m)
	return m, ok, err
}

// SaveSettings stores the encryption settings of a conversation.
func (d *DB) SaveSettings(s domain.ConversationSettings) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return d.put(tx.Bucket([]byte(conversationsBucket)), []byte(s.ConversationID), s)
	})
}

// LoadSettings retrieves the encryption settings of conv.
func (d *DB) LoadSettings(conv domain.ConversationID) (domain.ConversationSettings, bool, error) {
	var s domain.ConversationSettings
	ok, err := d.view(conversationsBucket, []byte(conv), &s)
	return s, ok, err
}
