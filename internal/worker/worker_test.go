package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ironpost/broker/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	messages map[string]*store.Message
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: map[string]*store.Message{}}
}

func (f *fakeBackend) put(m *store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.MessageID] = m
}

func (f *fakeBackend) GetMessageForDelivery(id string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *m
	return &cp, nil
}

func (f *fakeBackend) UpdateStatus(id string, to store.MessageStatus, attempts *uint, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return errors.New("not found")
	}
	m.Status = to
	if attempts != nil {
		m.Attempts = *attempts
	}
	m.LastError = lastError
	return nil
}

func (f *fakeBackend) ConfirmDelivery(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return errors.New("not found")
	}
	m.Status = store.StatusDelivered
	return nil
}

func (f *fakeBackend) FindStuckDelivering(olderThan time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.Status == store.StatusDelivering && m.UpdatedAt.Before(olderThan) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeBackend) status(id string) store.MessageStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id].Status
}

func (f *fakeBackend) attempts(id string) uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id].Attempts
}

type fakeQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *fakeQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, id)
	return nil
}

func (q *fakeQueue) PopBlocking(timeout time.Duration) (string, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		id := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return id, nil
	}
	q.mu.Unlock()
	time.Sleep(timeout)
	return "", errors.New("timeout")
}

type fakeDeliverer struct {
	shouldFail func(m *store.Message) bool
}

func (d *fakeDeliverer) Deliver(ctx context.Context, m *store.Message) error {
	if d.shouldFail != nil && d.shouldFail(m) {
		return errors.New("simulated delivery failure")
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestPool_ProcessSucceedsOnFirstAttempt(t *testing.T) {
	backend := newFakeBackend()
	backend.put(&store.Message{MessageID: "m1", Status: store.StatusQueued})
	queue := &fakeQueue{}

	p := &Pool{
		Backend:   backend,
		Queue:     queue,
		Deliverer: &fakeDeliverer{},
		MaxAttempts: 5,
	}

	p.process(context.Background(), "m1")

	if got := backend.status("m1"); got != store.StatusDelivered {
		t.Errorf("status = %v, want delivered", got)
	}
}

func TestPool_ProcessRetriesOnFailureThenRequeues(t *testing.T) {
	backend := newFakeBackend()
	backend.put(&store.Message{MessageID: "m1", Status: store.StatusQueued})
	queue := &fakeQueue{}

	p := &Pool{
		Backend:       backend,
		Queue:         queue,
		Deliverer:     &fakeDeliverer{shouldFail: func(m *store.Message) bool { return true }},
		MaxAttempts:   5,
		RetryInterval: 10 * time.Millisecond,
	}

	p.process(context.Background(), "m1")

	if got := backend.status("m1"); got != store.StatusQueued {
		t.Errorf("status = %v, want queued (scheduled for retry)", got)
	}
	if got := backend.attempts("m1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}

	time.Sleep(50 * time.Millisecond)
	queue.mu.Lock()
	n := len(queue.items)
	queue.mu.Unlock()
	if n != 1 {
		t.Errorf("expected the message to be re-enqueued after RetryInterval, queue has %d items", n)
	}
}

func TestPool_ProcessFailsTerminallyAtMaxAttempts(t *testing.T) {
	backend := newFakeBackend()
	backend.put(&store.Message{MessageID: "m1", Status: store.StatusQueued, Attempts: 4})
	queue := &fakeQueue{}

	p := &Pool{
		Backend:     backend,
		Queue:       queue,
		Deliverer:   &fakeDeliverer{shouldFail: func(m *store.Message) bool { return true }},
		MaxAttempts: 5,
	}

	p.process(context.Background(), "m1")

	if got := backend.status("m1"); got != store.StatusFailed {
		t.Errorf("status = %v, want failed", got)
	}
}

func TestPool_ProcessDropsTerminalMessageSilently(t *testing.T) {
	backend := newFakeBackend()
	backend.put(&store.Message{MessageID: "m1", Status: store.StatusDelivered})
	queue := &fakeQueue{}
	deliverCalled := false

	p := &Pool{
		Backend:   backend,
		Queue:     queue,
		Deliverer: &fakeDeliverer{shouldFail: func(m *store.Message) bool { deliverCalled = true; return false }},
	}

	p.process(context.Background(), "m1")

	if deliverCalled {
		t.Error("expected Deliver to not be called for an already-terminal message")
	}
}

func TestPool_Reconcile(t *testing.T) {
	backend := newFakeBackend()
	stuckUpdatedAt := time.Now().Add(-time.Hour)
	backend.put(&store.Message{MessageID: "m1", Status: store.StatusDelivering, UpdatedAt: stuckUpdatedAt})
	backend.put(&store.Message{MessageID: "m2", Status: store.StatusDelivering, UpdatedAt: time.Now()})
	queue := &fakeQueue{}

	p := &Pool{
		Backend:         backend,
		Queue:           queue,
		DeliveryTimeout: time.Second,
		Log:             testLogger(),
	}

	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if got := backend.status("m1"); got != store.StatusQueued {
		t.Errorf("m1 status = %v, want queued", got)
	}
	if got := backend.status("m2"); got != store.StatusDelivering {
		t.Errorf("m2 status = %v, want delivering (not stale enough)", got)
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.items) != 1 || queue.items[0] != "m1" {
		t.Errorf("expected only m1 requeued, got %v", queue.items)
	}
}

func TestPool_RunStopsOnContextCancel(t *testing.T) {
	backend := newFakeBackend()
	queue := &fakeQueue{}

	p := &Pool{
		Backend:       backend,
		Queue:         queue,
		Deliverer:     &fakeDeliverer{},
		Concurrency:   2,
		ShutdownGrace: time.Second,
		PopTimeout:    20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
