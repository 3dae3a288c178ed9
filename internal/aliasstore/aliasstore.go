// Package aliasstore persists the symbolic alias -> filesystem path
// mapping that every query and refresh resolves through. It is grounded
// on the teacher's db/bolt.DB helper: a single bbolt file, one bucket,
// JSON-free (paths are plain strings so Swap can be a single Put inside
// one bbolt read/write transaction instead of a full rename dance).
package aliasstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sourcewell/goldenindex/internal/model"
)

const aliasBucket = "aliases"

// Store is a durable alias -> path mapping backed by bbolt. bbolt commits
// are single-writer, serialized transactions, so a successful Swap is
// immediately visible to every subsequent Read (spec §4.1, §8 invariant 4)
// and a failed Swap transaction leaves the previous value untouched
// because bbolt rolls back on error.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt-backed alias store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("aliasstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(aliasBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("aliasstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error { return s.db.Close() }

// Read resolves alias to its current path. Returns model.ErrAliasUnknown
// when no mapping exists (spec §4.1).
func (s *Store) Read(alias string) (string, error) {
	var path string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(aliasBucket))
		v := b.Get([]byte(alias))
		if v == nil {
			return model.ErrAliasUnknown
		}
		path = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// Create inserts a brand-new alias -> path mapping. It does not check for
// prior existence; callers that need upsert-or-fail semantics check Read
// first (the Registry layer owns that policy, not the store).
func (s *Store) Create(alias, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(aliasBucket))
		return b.Put([]byte(alias), []byte(path))
	})
}

// Swap atomically repoints alias at newPath. Every Read after Swap returns
// has committed observes newPath; if the underlying transaction fails,
// the previous mapping is left exactly as it was (spec §4.1, §8 invariant 4).
func (s *Store) Swap(alias, newPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(aliasBucket))
		return b.Put([]byte(alias), []byte(newPath))
	})
}

// Delete removes an alias mapping entirely (used when a golden repo is
// decommissioned; spec.md does not describe a RemoveGolden operation, so
// this exists for completeness of the store's interface but is not wired
// to a Coordinator operation).
func (s *Store) Delete(alias string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(aliasBucket))
		return b.Delete([]byte(alias))
	})
}

// List returns every alias currently tracked, for startup reconciliation.
func (s *Store) List() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(aliasBucket))
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}
