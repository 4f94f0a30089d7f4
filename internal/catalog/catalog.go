package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var releasesBucket = []byte("releases")

// Entry records which app and release produced an artifact
type Entry struct {
	AppKey       string    `json:"app_key"`
	Tag          string    `json:"tag"`
	Asset        string    `json:"asset"`
	ReleaseNotes string    `json:"release_notes,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Catalog maps canonical artifact filenames to the release they came from.
// It outlives a single run, so artifacts downloaded earlier can still be
// attributed to their app when the platform cannot be queried.
type Catalog struct {
	db *bolt.DB
}

// Open opens or creates the catalog database at path
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(releasesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close releases the database file lock
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put stores the entry for filename, replacing any previous one
func (c *Catalog) Put(filename string, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(releasesBucket).Put([]byte(filename), data)
	})
}

// Get returns the entry for filename
func (c *Catalog) Get(filename string) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(releasesBucket).Get([]byte(filename))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read catalog entry %s: %w", filename, err)
	}
	return e, found, nil
}

// Each calls fn for every entry in filename order
func (c *Catalog) Each(fn func(filename string, e Entry) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(releasesBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt catalog entry %s: %w", k, err)
			}
			return fn(string(k), e)
		})
	})
}
