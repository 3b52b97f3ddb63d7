// Package queue implements the broker's durable FIFO of message_id tokens.
// A successful Enqueue survives a process restart; PopBlocking removes one
// entry head-of-line and is safe under concurrent consumers — no two
// workers ever receive the same token.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQueue = []byte("queue")

// ErrTimeout is returned by PopBlocking when no entry became available
// before the deadline.
var ErrTimeout = errors.New("queue: pop timed out")

// ErrClosed is returned by PopBlocking once Close has been called.
var ErrClosed = errors.New("queue: closed")

// Queue is a durable FIFO backed by a bbolt bucket: keys are
// monotonically increasing sequence numbers from NextSequence, so a
// cursor's first key is always the oldest entry. mu/cond coordinate
// blocking waiters with Enqueue; the bucket itself is the durability
// boundary, not the in-process lock.
type Queue struct {
	db *bolt.DB

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// New wraps the "queue" bucket of an already-open bbolt database. The
// caller (internal/store) owns the database's lifecycle; Queue never
// closes it.
func New(db *bolt.DB) (*Queue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQueue)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create queue bucket: %w", err)
	}
	q := &Queue{db: db}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Enqueue durably appends message_id to the tail of the queue and wakes
// one blocked popper.
func (q *Queue) Enqueue(messageID string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), []byte(messageID))
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// PopBlocking removes and returns the oldest entry. If the queue is empty
// it blocks until an entry arrives, timeout elapses (returning ErrTimeout),
// or Close is called (returning ErrClosed).
func (q *Queue) PopBlocking(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return "", ErrClosed
		}

		id, ok, err := q.tryPop()
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}

		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}
}

// tryPop removes and returns the head entry, if any, without blocking.
// Must be called with q.mu held (bbolt's own transaction provides the
// atomicity that makes concurrent pops mutually exclusive; q.mu only
// coordinates the blocking-wait protocol above it).
func (q *Queue) tryPop() (string, bool, error) {
	var id string
	var found bool
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		id = string(v)
		found = true
		return b.Delete(k)
	})
	if err != nil {
		return "", false, fmt.Errorf("pop: %w", err)
	}
	return id, found, nil
}

// Length returns the number of entries currently queued, for metrics and
// backpressure decisions.
func (q *Queue) Length() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// Close wakes every blocked PopBlocking call so they return ErrClosed.
// It does not close the underlying database.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
