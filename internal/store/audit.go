package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// auditIDBytes is the width of the random suffix appended to the
// nanosecond timestamp prefix, giving append-only keys that sort
// chronologically under BoltDB's byte-order cursor.
const auditIDBytes = 8

// AppendAudit writes one append-only audit row. The key is
// "<unix-nano>::<random-hex>" so a bucket cursor scan yields entries in
// creation order without a secondary index — the same scheme the teacher
// uses for chronologically-keyed snapshots.
func (s *Store) AppendAudit(e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	suffix := make([]byte, auditIDBytes)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("generate audit id: %w", err)
	}
	e.ID = fmt.Sprintf("%020d::%s", e.At.UnixNano(), hex.EncodeToString(suffix))

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put([]byte(e.ID), data)
	})
}

// AuditFilter narrows ListAudit. Zero values mean "no filter".
type AuditFilter struct {
	Actor  string
	Action string
	Limit  int // 0 = no limit
}

// ListAudit returns matching audit entries, newest first.
func (s *Store) ListAudit(filter AuditFilter) ([]AuditEntry, error) {
	var all []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if filter.Actor != "" && e.Actor != filter.Actor {
				continue
			}
			if filter.Action != "" && e.Action != filter.Action {
				continue
			}
			all = append(all, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}
