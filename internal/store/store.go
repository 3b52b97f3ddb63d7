// Package store is the broker's source of truth: messages (encrypted),
// clients, operator users, the certificate registry, and the append-only
// audit log, all backed by a single BoltDB file.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages      = []byte("messages")
	bucketClients       = []byte("clients")
	bucketUsers         = []byte("users")
	bucketCertificates  = []byte("certificates")
	bucketAudit         = []byte("audit")
	bucketRefreshTokens = []byte("refresh_tokens")
	bucketQueue         = []byte("queue") // consumed directly by internal/queue
)

var allBuckets = [][]byte{
	bucketMessages, bucketClients, bucketUsers, bucketCertificates,
	bucketAudit, bucketRefreshTokens, bucketQueue,
}

// Store wraps a BoltDB database holding every broker entity.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist in a single transaction.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so internal/queue can share the same
// file and transactional guarantees as the rest of the Store.
func (s *Store) DB() *bolt.DB {
	return s.db
}
