package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ironpost/broker/internal/apperr"
)

// CreateClient registers a new Client identity. CN is the bucket key, so
// uniqueness is enforced by BoltDB's single-key-per-bucket guarantee —
// no secondary index is needed, unlike User/email.
func (s *Store) CreateClient(c Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		if b.Get([]byte(c.CN)) != nil {
			return apperr.DuplicateCN(c.CN)
		}
		return b.Put([]byte(c.CN), data)
	})
}

// GetClient retrieves a Client by CN.
func (s *Store) GetClient(cn string) (*Client, error) {
	var c Client
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClients).Get([]byte(cn))
		if v == nil {
			return apperr.NotFound("client")
		}
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetClientActive flips a client's Active flag, e.g. when its certificate
// is revoked — every future mTLS handshake bearing that cert must then be
// rejected at Ingress and at the Store's internal API.
func (s *Store) SetClientActive(cn string, active bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		v := b.Get([]byte(cn))
		if v == nil {
			return apperr.NotFound("client")
		}
		var c Client
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("unmarshal client: %w", err)
		}
		c.Active = active
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal client: %w", err)
		}
		return b.Put([]byte(cn), data)
	})
}

// ListClients returns every registered client.
func (s *Store) ListClients() ([]Client, error) {
	var clients []Client
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClients).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cl Client
			if err := json.Unmarshal(v, &cl); err != nil {
				continue
			}
			clients = append(clients, cl)
		}
		return nil
	})
	return clients, err
}
