package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketResources = []byte("resources")

// Store is a single-bucket bbolt cache of resourceID -> last-seen value,
// used to answer ReadLocal queries without touching Raft.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the cache database under dataDir. Mirrors
// cuemby-warren/pkg/storage.NewBoltStore's bolt.Open-then-create-buckets
// shape.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "localstore.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("localstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResources)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// entry is the cache's on-disk envelope around one cached value.
type entry struct {
	TypeName string          `json:"typeName"`
	Value    json.RawMessage `json:"value"`
}

// Put caches value under resourceID, tagged with typeName for
// observability (pkg/rpc passes the envelope's Op here and uses the value
// purely as an opaque blob on read).
func (s *Store) Put(resourceID uint64, typeName string, value json.RawMessage) error {
	data, err := json.Marshal(entry{TypeName: typeName, Value: value})
	if err != nil {
		return fmt.Errorf("localstore: encode entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Put(resourceKey(resourceID), data)
	})
}

// Get returns the cached value for resourceID, if any.
func (s *Store) Get(resourceID uint64) (json.RawMessage, bool, error) {
	var ent entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResources).Get(resourceKey(resourceID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ent)
	})
	if err != nil {
		return nil, false, fmt.Errorf("localstore: decode entry: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return ent.Value, true, nil
}

// Delete evicts resourceID from the cache, e.g. after a DeleteResource
// command commits.
func (s *Store) Delete(resourceID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Delete(resourceKey(resourceID))
	})
}

func resourceKey(resourceID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, resourceID)
	return key
}
