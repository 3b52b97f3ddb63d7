package auth

import (
	"sync"
	"time"

	"github.com/ironpost/broker/internal/clock"
)

// Defaults for the Operator API's login limiter, used by NewRateLimiter.
// A deployment that wants different thresholds builds its own RateLimiter
// directly (see NewRateLimiterConfig) and passes it to NewService via
// WithRateLimiter — unlike internal/ingress.RateLimiter, which is always
// constructed with caller-supplied limit/window because every Ingress
// deployment is expected to tune it per client population.
const (
	maxLoginAttempts  = 5 // per IP within the window
	loginWindow       = 5 * time.Minute
	accountLockout    = 10 // consecutive failures before lockout
	accountLockoutDur = 30 * time.Minute
)

// LoginAttempt tracks login attempts for an IP against the Operator API's
// bearer-token login endpoint. Distinct from internal/ingress.RateLimiter's
// per-client-CN submission window: this one escalates to a longer lockout
// tier after repeated failures, since a brute-forced operator password is a
// higher-value target than a noisy SMS sender.
type LoginAttempt struct {
	Count     int
	FirstAt   time.Time
	BlockedAt time.Time // non-zero if blocked
}

// RateLimiter guards auth.Service.Login against credential-stuffing and
// brute-force attempts, keyed by dialing IP.
type RateLimiter struct {
	mu               sync.Mutex
	attempts         map[string]*LoginAttempt
	clock            clock.Clock
	maxAttempts      int
	window           time.Duration
	lockoutThreshold int
	lockoutDur       time.Duration
}

// NewRateLimiter builds a login limiter using the package's default
// thresholds (maxLoginAttempts/loginWindow/accountLockout/accountLockoutDur)
// and the real wall clock.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterConfig(maxLoginAttempts, loginWindow, accountLockout, accountLockoutDur)
}

// NewRateLimiterConfig builds a login limiter with caller-supplied
// thresholds, for a deployment that wants a stricter or looser Operator API
// login policy than the package defaults.
func NewRateLimiterConfig(maxAttempts int, window time.Duration, lockoutThreshold int, lockoutDur time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:         make(map[string]*LoginAttempt),
		clock:            clock.Real{},
		maxAttempts:      maxAttempts,
		window:           window,
		lockoutThreshold: lockoutThreshold,
		lockoutDur:       lockoutDur,
	}
}

// WithClock overrides the limiter's time source, for tests asserting window
// and lockout expiry without racing the wall clock.
func (rl *RateLimiter) WithClock(c clock.Clock) *RateLimiter {
	rl.clock = c
	return rl
}

// Allow checks if a login attempt from the given IP is allowed.
// Returns true if allowed, false if rate-limited. Allow does not count the
// attempt itself; only RecordFailure does.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		return true
	}

	// If blocked, check if cooldown has expired.
	if !a.BlockedAt.IsZero() {
		if now.Before(a.BlockedAt.Add(rl.lockoutDur)) {
			return false
		}
		// Cooldown expired — reset.
		a.Count = 0
		a.FirstAt = now
		a.BlockedAt = time.Time{}
		return true
	}

	// Reset window if it's expired.
	if now.After(a.FirstAt.Add(rl.window)) {
		a.Count = 0
		a.FirstAt = now
		return true
	}

	if a.Count >= rl.maxAttempts {
		a.BlockedAt = now
		return false
	}
	return true
}

// RecordFailure records a failed login for an IP. Reaching lockoutThreshold
// failures blocks the IP for lockoutDur.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &LoginAttempt{Count: 1, FirstAt: rl.clock.Now()}
		return
	}
	a.Count++
	if a.Count >= rl.lockoutThreshold {
		a.BlockedAt = rl.clock.Now()
	}
}

// Reset clears rate limit state for an IP (called on successful login).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for ip, a := range rl.attempts {
		if !a.BlockedAt.IsZero() {
			if now.After(a.BlockedAt.Add(rl.lockoutDur)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.FirstAt.Add(rl.window)) {
			delete(rl.attempts, ip)
		}
	}
}
