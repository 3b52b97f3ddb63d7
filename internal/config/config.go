package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds broker configuration sourced from environment variables.
// Mutable fields (RetryInterval, MaxAttempts, WorkerConcurrency) are
// protected by an RWMutex since HTTP handlers on the Operator API may
// adjust them while the worker pool goroutines read them concurrently.
type Config struct {
	// Mode selects which component this process binary runs: "store",
	// "ingress", or "worker". Set by cmd/broker from argv.
	Mode string

	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// CA / trust fabric
	CADir         string // directory holding ca-cert.pem and ca-key.pem
	CertTTL       time.Duration
	ClientCertTTL time.Duration
	CRLRefresh    time.Duration

	// Ingress
	IngressAddr      string
	IngressRateLimit int // submissions per client CN per window
	IngressRateBurst int
	QueueSoftLimit   int // Queue depth at which Ingress starts returning 503

	// Internal store API (mTLS, Store<->Ingress, Store<->Worker)
	StoreInternalAddr string

	// Operator API (JWT bearer)
	OperatorAddr         string
	JWTSigningKey        string // HMAC secret for access/refresh tokens
	AccessTokenExpiry    time.Duration
	RefreshTokenExpiry   time.Duration
	LoginRateLimit       int // failed login attempts per IP per LoginRateWindow before throttling
	LoginRateWindow      time.Duration
	LoginLockoutAttempts int // consecutive failures before the longer lockout tier
	LoginLockoutDuration time.Duration

	// Message body encryption
	SecretboxKeyHex string // 32-byte key, hex-encoded
	SenderHashSalt  string // HMAC-SHA256 key for sender fingerprinting

	// Metrics
	MetricsEnabled bool

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	retryInterval     time.Duration
	maxAttempts       int
	workerConcurrency int
	visibilityTimeout time.Duration
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		retryInterval:     5 * time.Second,
		maxAttempts:       5,
		workerConcurrency: 4,
		visibilityTimeout: 30 * time.Second,
		CertTTL:           90 * 24 * time.Hour,
		ClientCertTTL:     90 * 24 * time.Hour,
		CRLRefresh:        60 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Mode:                 envStr("BROKER_MODE", "store"),
		DBPath:               envStr("BROKER_DB_PATH", "/data/broker.db"),
		LogJSON:              envBool("BROKER_LOG_JSON", true),
		CADir:                envStr("BROKER_CA_DIR", "/data/ca"),
		CertTTL:              envDuration("BROKER_CERT_TTL", 90*24*time.Hour),
		ClientCertTTL:        envDuration("BROKER_CLIENT_CERT_TTL", 90*24*time.Hour),
		CRLRefresh:           envDuration("BROKER_CRL_REFRESH", 60*time.Second),
		IngressAddr:          envStr("BROKER_INGRESS_ADDR", ":8443"),
		IngressRateLimit:     envInt("BROKER_INGRESS_RATE_LIMIT", 100),
		IngressRateBurst:     envInt("BROKER_INGRESS_RATE_BURST", 100),
		QueueSoftLimit:       envInt("BROKER_QUEUE_SOFT_LIMIT", 10000),
		StoreInternalAddr:    envStr("BROKER_STORE_INTERNAL_ADDR", ":8444"),
		OperatorAddr:         envStr("BROKER_OPERATOR_ADDR", ":8445"),
		JWTSigningKey:        envStr("BROKER_JWT_SIGNING_KEY", ""),
		AccessTokenExpiry:    envDuration("BROKER_ACCESS_TOKEN_EXPIRY", 30*time.Minute),
		RefreshTokenExpiry:   envDuration("BROKER_REFRESH_TOKEN_EXPIRY", 720*time.Hour),
		LoginRateLimit:       envInt("BROKER_LOGIN_RATE_LIMIT", 5),
		LoginRateWindow:      envDuration("BROKER_LOGIN_RATE_WINDOW", 5*time.Minute),
		LoginLockoutAttempts: envInt("BROKER_LOGIN_LOCKOUT_ATTEMPTS", 10),
		LoginLockoutDuration: envDuration("BROKER_LOGIN_LOCKOUT_DURATION", 30*time.Minute),
		SecretboxKeyHex:      envStr("BROKER_SECRETBOX_KEY", ""),
		SenderHashSalt:       envStr("BROKER_SENDER_HASH_SALT", ""),
		MetricsEnabled:       envBool("BROKER_METRICS", true),
		retryInterval:        envDuration("BROKER_RETRY_INTERVAL", 30*time.Second),
		maxAttempts:          envInt("BROKER_MAX_ATTEMPTS", 8),
		workerConcurrency:    envInt("BROKER_WORKER_CONCURRENCY", 4),
		visibilityTimeout:    envDuration("BROKER_VISIBILITY_TIMEOUT", 2*time.Minute),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	ri := c.retryInterval
	ma := c.maxAttempts
	wc := c.workerConcurrency
	c.mu.RUnlock()

	var errs []error
	switch c.Mode {
	case "store", "ingress", "worker":
	default:
		errs = append(errs, fmt.Errorf("BROKER_MODE must be store, ingress, or worker, got %q", c.Mode))
	}
	if ri <= 0 {
		errs = append(errs, fmt.Errorf("BROKER_RETRY_INTERVAL must be > 0, got %s", ri))
	}
	if ma <= 0 {
		errs = append(errs, fmt.Errorf("BROKER_MAX_ATTEMPTS must be > 0, got %d", ma))
	}
	if wc <= 0 {
		errs = append(errs, fmt.Errorf("BROKER_WORKER_CONCURRENCY must be > 0, got %d", wc))
	}
	if c.JWTSigningKey == "" && c.Mode == "store" {
		errs = append(errs, errors.New("BROKER_JWT_SIGNING_KEY is required"))
	}
	if c.SecretboxKeyHex == "" && c.Mode == "store" {
		errs = append(errs, errors.New("BROKER_SECRETBOX_KEY is required"))
	}
	if c.SenderHashSalt == "" && (c.Mode == "store" || c.Mode == "ingress") {
		errs = append(errs, errors.New("BROKER_SENDER_HASH_SALT is required"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// RetryInterval returns the current fixed retry interval (thread-safe).
func (c *Config) RetryInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryInterval
}

// SetRetryInterval updates the retry interval at runtime (thread-safe).
func (c *Config) SetRetryInterval(d time.Duration) {
	c.mu.Lock()
	c.retryInterval = d
	c.mu.Unlock()
}

// MaxAttempts returns the current delivery attempt cap (thread-safe).
func (c *Config) MaxAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAttempts
}

// SetMaxAttempts updates the attempt cap at runtime (thread-safe).
func (c *Config) SetMaxAttempts(n int) {
	c.mu.Lock()
	c.maxAttempts = n
	c.mu.Unlock()
}

// WorkerConcurrency returns the current worker slot count (thread-safe).
func (c *Config) WorkerConcurrency() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerConcurrency
}

// SetWorkerConcurrency updates the worker slot count at runtime (thread-safe).
func (c *Config) SetWorkerConcurrency(n int) {
	c.mu.Lock()
	c.workerConcurrency = n
	c.mu.Unlock()
}

// VisibilityTimeout returns how long a popped message stays in "delivering"
// before the reconciliation sweep considers it stuck (thread-safe).
func (c *Config) VisibilityTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibilityTimeout
}

// SetVisibilityTimeout updates the visibility timeout at runtime (thread-safe).
func (c *Config) SetVisibilityTimeout(d time.Duration) {
	c.mu.Lock()
	c.visibilityTimeout = d
	c.mu.Unlock()
}
