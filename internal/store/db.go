package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"pqratchet/internal/domain"
)

const (
	ratchetStatesBucket  = "ratchet_states"
	pqKeysBucket         = "pq_keys"
	skippedKeysBucket    = "skipped_keys"
	negotiationsBucket   = "negotiations"
	negotiationHistory   = "negotiation_history"
	migrationsBucket     = "migrations"
	devicesBucket        = "devices"
	devicesByUserBucket  = "devices_by_user"
	preKeysBucket        = "prekeys"
	preKeyCurrentBucket  = "prekey_current"
	packagesBucket       = "packages"
	packagesByDevBucket  = "packages_by_target"
	conflictsBucket      = "conflicts"
	openConflictsBucket  = "open_conflicts"
	conflictsByUser      = "conflicts_by_user"
	resolutionsBucket    = "resolutions"
	queueBucket          = "offline_queue"
	conversationsBucket  = "conversations"
	dbFilename           = "pqratchet.db"
	defaultOpenTimeout   = 5 * time.Second
	defaultDatabaseMode  = 0o600
	defaultDirectoryMode = 0o700
)

var topLevelBuckets = []string{
	ratchetStatesBucket,
	pqKeysBucket,
	skippedKeysBucket,
	negotiationsBucket,
	negotiationHistory,
	migrationsBucket,
	devicesBucket,
	devicesByUserBucket,
	preKeysBucket,
	preKeyCurrentBucket,
	packagesBucket,
	packagesByDevBucket,
	conflictsBucket,
	openConflictsBucket,
	conflictsByUser,
	resolutionsBucket,
	queueBucket,
	conversationsBucket,
}

var errCorruptDB = errors.New("store: corrupt database")

// DB is the bbolt-backed persistence layer. It implements every domain
// store interface; all writes for one call happen in a single transaction.
type DB struct {
	db  *bolt.DB
	enc cbor.EncMode
	dec cbor.DecMode
	now func() time.Time
}

// Open creates or opens the database file inside dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, defaultDirectoryMode); err != nil {
		return nil, err
	}
	return OpenFile(filepath.Join(dir, dbFilename))
}

// OpenFile opens the database at path.
func OpenFile(path string) (*DB, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, defaultDatabaseMode, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db, enc: enc, dec: dec, now: time.Now}, nil
}

// Close releases the database file.
func (d *DB) Close() error { return d.db.Close() }

// SetClock replaces the clock used for revocation timestamps.
func (d *DB) SetClock(now func() time.Time) { d.now = now }

func (d *DB) put(b *bolt.Bucket, key []byte, v any) error {
	raw, err := d.enc.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func (d *DB) get(b *bolt.Bucket, key []byte, out any) (bool, error) {
	if b == nil {
		return false, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := d.dec.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: %v", errCorruptDB, err)
	}
	return true, nil
}

// view decodes a single record by key from a top-level bucket.
func (d *DB) view(bucket string, key []byte, out any) (bool, error) {
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = d.get(tx.Bucket([]byte(bucket)), key, out)
		return err
	})
	return ok, err
}

func nested(tx *bolt.Tx, parent string, child []byte) (*bolt.Bucket, error) {
	return tx.Bucket([]byte(parent)).CreateBucketIfNotExists(child)
}

func lookupNested(tx *bolt.Tx, parent string, child []byte) *bolt.Bucket {
	return tx.Bucket([]byte(parent)).Bucket(child)
}

// stateKeyBytes joins the two parts with a NUL so neither can alias the other.
func stateKeyBytes(k domain.StateKey) []byte {
	out := make([]byte, 0, len(k.ConversationID)+1+len(k.UserID))
	out = append(out, string(k.ConversationID)...)
	out = append(out, 0)
	return append(out, string(k.UserID)...)
}

func positionKey(p domain.ChainPosition) []byte {
	out := make([]byte, len(p.ChainID)+1+4)
	n := copy(out, string(p.ChainID))
	out[n] = 0
	binary.BigEndian.PutUint32(out[n+1:], p.Index)
	return out
}

// queueKey orders a device queue by priority, highest first, then by
// insertion sequence.
func queueKey(priority uint8, seq uint64) []byte {
	var k [9]byte
	k[0] = 255 - priority
	binary.BigEndian.PutUint64(k[1:], seq)
	return k[:]
}

var (
	_ domain.RatchetStore      = (*DB)(nil)
	_ domain.SkippedKeyRecords = (*DB)(nil)
	_ domain.NegotiationStore  = (*DB)(nil)
	_ domain.DeviceStore       = (*DB)(nil)
	_ domain.PreKeyStore       = (*DB)(nil)
	_ domain.SyncPackageStore  = (*DB)(nil)
	_ domain.ConflictStore     = (*DB)(nil)
	_ domain.OfflineQueueStore = (*DB)(nil)
	_ domain.ConversationStore = (*DB)(nil)
)
