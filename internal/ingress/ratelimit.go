package ingress

import (
	"sync"
	"time"
)

// cnWindow tracks submissions for one client CN within the current window.
type cnWindow struct {
	count   int
	firstAt time.Time
}

// RateLimiter is a per-client-CN fixed-window submission limiter, ported
// from internal/auth.RateLimiter: the same mutex-guarded map shape and
// Cleanup sweep, but keyed by certificate CN instead of source IP and with
// no account-lockout escalation — a misbehaving client is throttled for the
// rest of the window, not locked out.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byCN   map[string]*cnWindow
}

// NewRateLimiter builds a limiter allowing limit submissions per CN within
// window (default: 100 req/min per the submit contract).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, byCN: make(map[string]*cnWindow)}
}

// Allow reports whether cn may submit another message this window.
func (rl *RateLimiter) Allow(cn string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.byCN[cn]
	if !ok {
		rl.byCN[cn] = &cnWindow{count: 1, firstAt: now}
		return true
	}
	if now.After(w.firstAt.Add(rl.window)) {
		w.count = 1
		w.firstAt = now
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Cleanup removes windows that closed at least one window-length ago. Call
// periodically from a ticker goroutine.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for cn, w := range rl.byCN {
		if now.After(w.firstAt.Add(2 * rl.window)) {
			delete(rl.byCN, cn)
		}
	}
}
