package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ironpost/broker/internal/apperr"
)

// ---- index key helpers (grounded on the teacher's idx::<field>::<value> scheme) ----

func userEmailIndexKey(email string) []byte {
	return []byte("idx::email::" + email)
}

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

// CreateUser persists a new operator user and its email index atomically.
// Returns an apperr.KindConflict error with code "DuplicateEmail" if the
// email is already registered. The email is stored and indexed exactly as
// given; it is not lower-cased or otherwise normalised.
func (s *Store) CreateUser(u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if existing := b.Get(userEmailIndexKey(u.Email)); existing != nil {
			return apperr.New(apperr.KindConflict, "DuplicateEmail", fmt.Sprintf("email %q already registered", u.Email))
		}
		if err := b.Put([]byte(u.UserID), data); err != nil {
			return err
		}
		return b.Put(userEmailIndexKey(u.Email), []byte(u.UserID))
	})
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(id))
		if v == nil {
			return apperr.NotFound("user")
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail retrieves a user by their unique email. The lookup is an
// exact, case-sensitive match against the email as it was stored.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		idBytes := b.Get(userEmailIndexKey(email))
		if idBytes == nil {
			return apperr.NotFound("user")
		}
		v := b.Get(idBytes)
		if v == nil {
			return apperr.NotFound("user")
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUser overwrites a user row in place (email index untouched — email
// is immutable once set, matching the CN-is-primary-identity pattern used
// for clients).
func (s *Store) UpdateUser(u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.UserID)) == nil {
			return apperr.NotFound("user")
		}
		return b.Put([]byte(u.UserID), data)
	})
}

// DeleteUser removes a user and its email index entry.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return apperr.NotFound("user")
		}
		var u User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return b.Delete(userEmailIndexKey(u.Email))
	})
}

// ListUsers returns every operator user.
func (s *Store) ListUsers() ([]User, error) {
	var users []User
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if isIndexKey(k) {
				continue
			}
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				continue
			}
			users = append(users, u)
		}
		return nil
	})
	return users, err
}

// RefreshToken is a persisted, revocable long-lived operator session.
type RefreshToken struct {
	TokenHash string    `json:"token_hash"` // SHA-256 hex of the opaque token
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateRefreshToken persists a refresh token record, keyed by its hash so
// the plaintext token is never stored.
func (s *Store) CreateRefreshToken(rt RefreshToken) error {
	data, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefreshTokens).Put([]byte(rt.TokenHash), data)
	})
}

// GetRefreshToken looks up a refresh token by hash. Returns apperr.NotFound
// if absent or expired.
func (s *Store) GetRefreshToken(hash string) (*RefreshToken, error) {
	var rt RefreshToken
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRefreshTokens).Get([]byte(hash))
		if v == nil {
			return apperr.NotFound("refresh token")
		}
		return json.Unmarshal(v, &rt)
	})
	if err != nil {
		return nil, err
	}
	if time.Now().After(rt.ExpiresAt) {
		return nil, apperr.NotFound("refresh token")
	}
	return &rt, nil
}

// DeleteRefreshToken revokes a single refresh token (used on logout and on
// rotation after a successful refresh).
func (s *Store) DeleteRefreshToken(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefreshTokens).Delete([]byte(hash))
	})
}

// DeleteExpiredRefreshTokens sweeps expired refresh tokens. Restart-safe:
// it only observes ExpiresAt, so running it twice or never crashing mid-run
// never corrupts state.
func (s *Store) DeleteExpiredRefreshTokens() (int, error) {
	now := time.Now()
	var expired [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRefreshTokens).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rt RefreshToken
			if err := json.Unmarshal(v, &rt); err != nil {
				continue
			}
			if now.After(rt.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(expired), err
}
