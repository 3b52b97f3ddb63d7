// Package worker implements the delivery worker pool: a fixed number of
// slots that pop message IDs off the Queue, fetch the row from the Store,
// and POST it to the downstream delivery sink over mTLS.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ironpost/broker/internal/metrics"
	"github.com/ironpost/broker/internal/store"
)

// Backend is the subset of internal/store.Store (or its storeapi HTTP
// client equivalent) a worker slot needs to drive a message through its
// state machine.
type Backend interface {
	GetMessageForDelivery(id string) (*store.Message, error)
	UpdateStatus(id string, to store.MessageStatus, attempts *uint, lastError string) error
	ConfirmDelivery(id string) error
	FindStuckDelivering(olderThan time.Time) ([]store.Message, error)
}

// Queue is the subset of internal/queue.Queue a worker slot needs.
type Queue interface {
	PopBlocking(timeout time.Duration) (string, error)
	Enqueue(messageID string) error
}

// Deliverer performs the outbound delivery call for a single message.
// DeliveryClient implements this over mTLS HTTPS; tests substitute a fake.
type Deliverer interface {
	Deliver(ctx context.Context, m *store.Message) error
}

// defaultPopTimeout is how long PopBlocking waits before a slot loops to
// re-check ctx.Done(), matching spec's step-1 "PopBlocking(5s)".
const defaultPopTimeout = 5 * time.Second

// Pool owns a fixed number of delivery slots sharing one Queue and Backend.
type Pool struct {
	Backend   Backend
	Queue     Queue
	Deliverer Deliverer
	Log       *slog.Logger

	Concurrency     int
	RetryInterval   time.Duration
	MaxAttempts     uint
	DeliveryTimeout time.Duration // used to size the 2x reconciliation window
	ShutdownGrace   time.Duration

	// PopTimeout overrides defaultPopTimeout; zero means use the default.
	// Tests shrink this so context cancellation is observed promptly.
	PopTimeout time.Duration
}

func (p *Pool) popTimeout() time.Duration {
	if p.PopTimeout > 0 {
		return p.PopTimeout
	}
	return defaultPopTimeout
}

// Run starts Concurrency slot goroutines and blocks until ctx is cancelled,
// then waits (up to ShutdownGrace) for in-flight deliveries to finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.ShutdownGrace):
		if p.Log != nil {
			p.Log.Warn("worker pool shutdown grace period elapsed with slots still in flight")
		}
	}
}

// Reconcile resets messages stuck in delivering (a worker crashed mid-call)
// back to queued and re-enqueues each exactly once. Call this once at
// startup before Run.
func (p *Pool) Reconcile(ctx context.Context) error {
	cutoff := time.Now().Add(-2 * p.DeliveryTimeout)
	stuck, err := p.Backend.FindStuckDelivering(cutoff)
	if err != nil {
		return err
	}
	for _, m := range stuck {
		if err := p.Backend.UpdateStatus(m.MessageID, store.StatusQueued, nil, "reconciliation: delivering lease expired"); err != nil {
			if p.Log != nil {
				p.Log.Error("reconciliation: failed to reset stuck message", "message_id", m.MessageID, "error", err)
			}
			continue
		}
		if err := p.Queue.Enqueue(m.MessageID); err != nil {
			if p.Log != nil {
				p.Log.Error("reconciliation: failed to re-enqueue stuck message", "message_id", m.MessageID, "error", err)
			}
			continue
		}
		metrics.ReconciliationRequeues.Inc()
	}
	if p.Log != nil && len(stuck) > 0 {
		p.Log.Info("reconciliation sweep requeued stuck messages", "count", len(stuck))
	}
	return nil
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := p.Queue.PopBlocking(p.popTimeout())
		if err != nil {
			continue // timeout or closed queue — loop back to check ctx
		}
		p.process(ctx, id)
	}
}

func (p *Pool) process(ctx context.Context, id string) {
	metrics.WorkerSlotsInUse.Inc()
	defer metrics.WorkerSlotsInUse.Dec()

	m, err := p.Backend.GetMessageForDelivery(id)
	if err != nil {
		// Duplicate pop after a crash, or the row vanished; nothing to do.
		return
	}
	if m.Status.IsTerminal() {
		return
	}

	attempts := m.Attempts + 1
	if err := p.Backend.UpdateStatus(id, store.StatusDelivering, &attempts, ""); err != nil {
		if p.Log != nil {
			p.Log.Error("failed to transition message to delivering", "message_id", id, "error", err)
		}
		return
	}

	start := time.Now()
	deliverErr := p.Deliverer.Deliver(ctx, m)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if deliverErr == nil {
		if err := p.Backend.ConfirmDelivery(id); err != nil {
			if p.Log != nil {
				p.Log.Error("delivered but ConfirmDelivery failed", "message_id", id, "error", err)
			}
			return
		}
		metrics.DeliveryAttempts.WithLabelValues("success").Inc()
		metrics.MessagesDelivered.Inc()
		return
	}

	metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
	p.handleFailure(id, attempts, deliverErr)
}

func (p *Pool) handleFailure(id string, attempts uint, deliverErr error) {
	reason := classifyError(deliverErr)

	if attempts >= p.MaxAttempts {
		if err := p.Backend.UpdateStatus(id, store.StatusFailed, &attempts, reason); err != nil && p.Log != nil {
			p.Log.Error("failed to transition exhausted message to failed", "message_id", id, "error", err)
		}
		metrics.MessagesFailed.Inc()
		return
	}

	if err := p.Backend.UpdateStatus(id, store.StatusQueued, &attempts, reason); err != nil {
		if p.Log != nil {
			p.Log.Error("failed to transition message back to queued for retry", "message_id", id, "error", err)
		}
		return
	}

	// Schedule the re-enqueue rather than sleeping the slot, so the slot
	// returns to PopBlocking immediately.
	time.AfterFunc(p.RetryInterval, func() {
		if err := p.Queue.Enqueue(id); err != nil && p.Log != nil {
			p.Log.Error("failed to re-enqueue message for retry", "message_id", id, "error", err)
		}
	})
}

// classifyError reduces a delivery error to a short, storable reason string
// without leaking the full error text (which may include a response body).
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "delivery_error: " + err.Error()
	}
}
