// Package sessionstore is the reference implementation of the core's
// SessionStore interface (spec.md §6), backed by go.etcd.io/bbolt — the
// same embedded-KV dependency the teacher's storage package pulls in for
// its boltdb piece-storage backend (storage.NewBoltDB, see
// storage/bolt-piece_test.go). The core never imports this package
// directly; a host wires it in through the SessionStore interface.
package sessionstore

import (
	"bytes"
	"strings"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("torrentkit")

// Store is a single-file bbolt-backed key/value store holding the
// session:torrent:<infohash>:* and settings:* keys described in spec.md §6.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt file at path, ensuring the root bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the stored value for key, or ok=false if absent. The returned
// slice is a copy: bbolt's own buffer is only valid inside the transaction.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// Set writes value under key, replacing any prior value.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Keys lists every stored key with the given prefix, in bbolt's natural
// byte-lexicographic cursor order.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	prefixBytes := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// TorrentStatePrefix returns the "session:torrent:<hex infohash>:" prefix
// used to group one torrent's keys, matching spec.md §6's key layout.
func TorrentStatePrefix(infoHashHex string) string {
	return "session:torrent:" + strings.ToLower(infoHashHex) + ":"
}
