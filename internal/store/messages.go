package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ironpost/broker/internal/apperr"
)

// legalTransitions enumerates every allowed Message.Status edge. Anything
// not listed here is refused by UpdateStatus, never silently coerced; the
// refusal is returned as an error and no audit entry is written for it.
var legalTransitions = map[MessageStatus][]MessageStatus{
	StatusQueued:     {StatusDelivering, StatusCancelled, StatusFailed},
	StatusDelivering: {StatusDelivered, StatusQueued, StatusFailed, StatusCancelled},
}

func isLegalTransition(from, to MessageStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RegisterMessage inserts a new Message in StatusQueued. It is idempotent
// on MessageID: a second call with byte-identical ciphertext and fingerprint
// succeeds as a no-op; a call with a differing payload for an existing id
// returns apperr.IdempotencyConflict.
func (s *Store) RegisterMessage(m Message) error {
	if m.Status == "" {
		m.Status = StatusQueued
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)

		if existing := b.Get([]byte(m.MessageID)); existing != nil {
			var prev Message
			if err := json.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("unmarshal existing message: %w", err)
			}
			if prev.ClientID == m.ClientID &&
				bytes.Equal(prev.SenderFingerprint, m.SenderFingerprint) &&
				bytes.Equal(prev.BodyCiphertext, m.BodyCiphertext) {
				return nil // identical retry — idempotent success
			}
			return apperr.IdempotencyConflict(m.MessageID)
		}

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		return b.Put([]byte(m.MessageID), data)
	})
}

// GetMessageForDelivery returns the full row, including ciphertext, for a
// worker constructing a delivery payload.
func (s *Store) GetMessageForDelivery(id string) (*Message, error) {
	return s.getMessage(id)
}

// GetMessage returns a message row by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	return s.getMessage(id)
}

func (s *Store) getMessage(id string) (*Message, error) {
	var m Message
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get([]byte(id))
		if v == nil {
			return apperr.NotFound("message")
		}
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateStatus performs a checked state transition. attempts, if non-nil,
// replaces the stored attempt count (callers pass attempts+1, never a
// decrease). lastError, if non-empty, is recorded alongside a retry.
// Illegal transitions are refused with apperr.IllegalTransition; neither
// UpdateStatus nor its callers write an audit entry for the rejection.
func (s *Store) UpdateStatus(id string, to MessageStatus, attempts *uint, lastError string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return apperr.NotFound("message")
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}

		if !isLegalTransition(m.Status, to) {
			return apperr.IllegalTransition(string(m.Status), string(to))
		}

		m.Status = to
		if attempts != nil {
			m.Attempts = *attempts
		}
		m.LastError = lastError
		m.UpdatedAt = time.Now().UTC()
		if to == StatusDelivered {
			m.DeliveredAt = m.UpdatedAt
		}

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// ConfirmDelivery performs the delivering -> delivered transition and sets
// DeliveredAt. A concurrent CancelMessage racing this call resolves by
// whichever transaction commits first; the loser observes the now-terminal
// status and receives apperr.IllegalTransition.
func (s *Store) ConfirmDelivery(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return apperr.NotFound("message")
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}
		if !isLegalTransition(m.Status, StatusDelivered) {
			return apperr.IllegalTransition(string(m.Status), string(StatusDelivered))
		}
		now := time.Now().UTC()
		m.Status = StatusDelivered
		m.DeliveredAt = now
		m.UpdatedAt = now
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// CancelMessage transitions a message to cancelled. Only legal from queued
// or delivering; a message already in a terminal state returns
// apperr.IllegalTransition.
func (s *Store) CancelMessage(id string) error {
	return s.UpdateStatus(id, StatusCancelled, nil, "")
}

// MessageFilter narrows ListMessages. Zero values mean "no filter" for
// that field.
type MessageFilter struct {
	Status   MessageStatus
	ClientID string
	Page     int // 1-indexed
	PageSize int
}

// ListMessages returns a page of messages matching filter, newest first,
// plus the total count of matching rows (for pagination UIs).
func (s *Store) ListMessages(filter MessageFilter) ([]Message, int, error) {
	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	var matched []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if filter.Status != "" && m.Status != filter.Status {
				continue
			}
			if filter.ClientID != "" && m.ClientID != filter.ClientID {
				continue
			}
			matched = append(matched, m)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	// Newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// MessageStats summarizes counts for the operator dashboard.
type MessageStats struct {
	ByStatus   map[MessageStatus]int
	ByClient   map[string]int
	TotalCount int
}

// GetStats scans all messages and aggregates counts by status and client.
func (s *Store) GetStats() (MessageStats, error) {
	stats := MessageStats{ByStatus: make(map[MessageStatus]int), ByClient: make(map[string]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			stats.ByStatus[m.Status]++
			stats.ByClient[m.ClientID]++
			stats.TotalCount++
		}
		return nil
	})
	return stats, err
}

// FindStuckDelivering returns messages still in StatusDelivering whose
// UpdatedAt is older than olderThan — candidates for the worker's startup
// reconciliation sweep.
func (s *Store) FindStuckDelivering(olderThan time.Time) ([]Message, error) {
	var stuck []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.Status == StatusDelivering && m.UpdatedAt.Before(olderThan) {
				stuck = append(stuck, m)
			}
		}
		return nil
	})
	return stuck, err
}
