// Package state persists non-secret runtime state in a bbolt database:
// the last merged limits snapshot and small HTTP response caches.
// Credentials never live here.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexjbarnes/aicap/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// FileName is the database file inside the data dir.
	FileName = "state.db"

	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	limitsBucket  = []byte("limits")
	cacheBucket   = []byte("cache")
	lastUpdateKey = []byte("last_update")
)

// CacheEntry is a cached blob and when it was stored.
type CacheEntry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// State wraps a bbolt database.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, limitsBucket, cacheBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored limits with limits and records at as
// the last update time. Providers absent from limits are removed.
func (s *State) SaveSnapshot(limits map[string]*models.UsageLimits, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(limitsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(limitsBucket)
		if err != nil {
			return err
		}

		for provider, l := range limits {
			if l == nil {
				continue
			}

			data, err := json.Marshal(l)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(provider), data); err != nil {
				return err
			}
		}

		return tx.Bucket(appBucket).Put(lastUpdateKey, []byte(strconv.FormatInt(at.UnixNano(), 10)))
	})
}

// LoadSnapshot returns the stored limits and their update time. An empty
// database yields an empty map and the zero time.
func (s *State) LoadSnapshot() (map[string]*models.UsageLimits, time.Time, error) {
	result := make(map[string]*models.UsageLimits)

	var at time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(lastUpdateKey); v != nil {
			ns, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing last update: %w", err)
			}

			at = time.Unix(0, ns)
		}

		return tx.Bucket(limitsBucket).ForEach(func(k, v []byte) error {
			var l models.UsageLimits
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}

			result[string(k)] = &l

			return nil
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	return result, at, nil
}

// CacheGet returns the cached entry for key, or nil if absent.
func (s *State) CacheGet(key string) (*CacheEntry, error) {
	var entry *CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		entry = &CacheEntry{}

		return json.Unmarshal(v, entry)
	})

	return entry, err
}

// CachePut stores value under key stamped with at.
func (s *State) CachePut(key string, value []byte, at time.Time) error {
	data, err := json.Marshal(CacheEntry{Value: value, StoredAt: at})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), data)
	})
}
