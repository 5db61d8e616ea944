package idempotency

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

var bucketResponses = []byte("responses")

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("idempotency: store closed")

// Record stores the response envelope replayed for a repeated key.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists idempotent responses in a Bolt database.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the Bolt-backed store at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for key when it has not expired. Expired
// records are removed.
func (s *Store) Get(key string, now time.Time) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrClosed
	}
	var (
		record Record
		found  bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = Record{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return record, found, nil
}

// Put stores the response envelope for key.
func (s *Store) Put(key string, record Record) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), raw)
	})
}

// Prune deletes every record that expired before now and reports how many
// were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Fingerprint digests a request so a reused key with a different payload can
// be rejected.
func Fingerprint(method, path string, body []byte) string {
	hasher := blake3.New(32, nil)
	_, _ = hasher.Write([]byte(method))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(path))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}
