// Package ingress is the broker's public-facing HTTPS edge: the only
// component a client ever dials directly. It authenticates the caller by
// mTLS client certificate, validates and encrypts the submitted message,
// and hands it to the Store over the Internal API before acknowledging.
package ingress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/ironpost/broker/internal/apperr"
	"github.com/ironpost/broker/internal/ca"
	"github.com/ironpost/broker/internal/crypt"
	"github.com/ironpost/broker/internal/metrics"
	"github.com/ironpost/broker/internal/store"
)

// Backend is the subset of internal/storeapi.Client the submit path needs:
// durable registration of a newly validated message.
type Backend interface {
	RegisterMessage(ctx context.Context, m store.Message) error
}

// HealthChecker reports whether the Store and Queue (reached transitively
// through the Store's Internal API) are reachable, and how deep the Queue
// currently is, for /health and the soft-limit backpressure check.
type HealthChecker interface {
	Ping(ctx context.Context) error
	QueueDepth(ctx context.Context) (int, error)
}

// ClientLookup resolves the mTLS-authenticated CN to a registered Client
// row, rejecting certificates from identities the Store does not know or
// has deactivated.
type ClientLookup interface {
	GetClient(cn string) (*store.Client, error)
}

// Dependencies wires a Server, following the same narrow-interface DI
// struct internal/web.Dependencies uses for the operator dashboard.
type Dependencies struct {
	Backend        Backend
	Health         HealthChecker
	Clients        ClientLookup
	CA             *ca.CA
	SecretboxKey   *[crypt.KeySize]byte
	SenderHashSalt []byte
	RateLimit      int           // submissions per client CN per window; default 100
	RateWindow     time.Duration // default time.Minute
	MaxConcurrent  int           // default 256
	QueueSoftLimit int           // 0 disables the backpressure check
	Log            *slog.Logger
}

// Server is the Ingress HTTPS edge.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	limiter *RateLimiter
	sem     chan struct{}
}

const defaultMaxBodyBytes = 16 * 1024

func New(deps Dependencies) *Server {
	if deps.RateWindow == 0 {
		deps.RateWindow = time.Minute
	}
	if deps.RateLimit == 0 {
		deps.RateLimit = 100
	}
	if deps.MaxConcurrent == 0 {
		deps.MaxConcurrent = 256
	}
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		limiter: NewRateLimiter(deps.RateLimit, deps.RateWindow),
		sem:     make(chan struct{}, deps.MaxConcurrent),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/messages", s.bounded(s.clientAuthed(s.handleSubmit)))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// bounded enforces the configurable concurrency limit (default 256) around
// the submit handler; a full semaphore means the server already has as
// many in-flight handlers as configured, so the caller waits rather than
// spawning an unbounded number of goroutines.
func (s *Server) bounded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next(w, r)
		case <-r.Context().Done():
			writeError(w, apperr.Internal(r.Context().Err()))
		}
	}
}

// clientAuthed resolves the mTLS peer certificate to a live Client row,
// rejecting missing certs, revoked/expired certs, and certs for clients the
// Store has deactivated or never registered — mirroring the Internal API's
// componentAuthed belt-and-braces re-check of the TLS handshake's decision.
func (s *Server) clientAuthed(next func(w http.ResponseWriter, r *http.Request, clientID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, apperr.Unauthorized("client certificate required"))
			return
		}
		leaf := r.TLS.PeerCertificates[0]
		result := s.deps.CA.Verify(leaf)
		if !result.Valid {
			metrics.MessagesRejected.WithLabelValues("cert_invalid").Inc()
			writeError(w, apperr.Unauthorized(result.Reason))
			return
		}
		cn := result.CommonName
		cl, err := s.deps.Clients.GetClient(cn)
		if err != nil {
			metrics.MessagesRejected.WithLabelValues("unknown_client").Inc()
			writeError(w, apperr.UnknownClient(cn))
			return
		}
		if !cl.Active {
			metrics.MessagesRejected.WithLabelValues("client_revoked").Inc()
			writeError(w, apperr.ClientRevoked(cn))
			return
		}
		if !s.limiter.Allow(cn) {
			metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
			writeError(w, apperr.RateLimited())
			return
		}
		next(w, r, cn)
	}
}

type submitRequest struct {
	SenderNumber string `json:"sender_number"`
	MessageBody  string `json:"message_body"`
}

// handleSubmit runs spec steps 1-9: the caller is already authenticated by
// clientAuthed (step 1); here we validate, fingerprint, mask, encrypt,
// mint an id, register+enqueue via the Store, and acknowledge.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, clientID string) {
	if s.deps.QueueSoftLimit > 0 {
		if depth, err := s.deps.Health.QueueDepth(r.Context()); err == nil && depth >= s.deps.QueueSoftLimit {
			metrics.MessagesRejected.WithLabelValues("backpressure").Inc()
			w.Header().Set("Retry-After", "5")
			writeError(w, apperr.QueueUnavailable(fmt.Errorf("queue depth %d at or above soft limit %d", depth, s.deps.QueueSoftLimit)))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, apperr.BodyTooLarge())
			return
		}
		writeError(w, apperr.InvalidBody("malformed submit request"))
		return
	}

	if err := validateSender(req.SenderNumber); err != nil {
		metrics.MessagesRejected.WithLabelValues("invalid_sender").Inc()
		writeError(w, err)
		return
	}
	normalizedBody, err := validateBody(req.MessageBody)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("invalid_body").Inc()
		writeError(w, err)
		return
	}

	fingerprint := crypt.Fingerprint(s.deps.SenderHashSalt, req.SenderNumber)
	masked := crypt.MaskSender(req.SenderNumber)
	ciphertext, err := crypt.Encrypt(s.deps.SecretboxKey, "v1", []byte(normalizedBody))
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	messageID := xid.New().String()
	now := time.Now().UTC()
	msg := store.Message{
		MessageID:         messageID,
		ClientID:          clientID,
		SenderFingerprint: fingerprint,
		SenderMasked:      masked,
		BodyCiphertext:    ciphertext,
		Status:            store.StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// RegisterMessage durably registers and enqueues in one Internal API
	// call (internal_server.go.handleRegister); a retryable transport
	// failure here is safe to retry with the same message_id because
	// RegisterMessage is idempotent on id.
	const registerAttempts = 3
	var registerErr error
	for i := 0; i < registerAttempts; i++ {
		if registerErr = s.deps.Backend.RegisterMessage(r.Context(), msg); registerErr == nil {
			break
		}
	}
	if registerErr != nil {
		metrics.MessagesRejected.WithLabelValues("queue_unavailable").Inc()
		writeError(w, apperr.QueueUnavailable(registerErr))
		return
	}

	metrics.MessagesSubmitted.WithLabelValues(clientID).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID, "status": string(store.StatusQueued)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Health.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy", "queue": "unknown", "store": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "queue": "ok", "store": "ok"})
}

// TLSConfig builds the mTLS listener configuration exactly as
// internal/storeapi.TLSConfig does for the Internal API: the server
// presents serverCert, trusts caPool for client certs, and requires one on
// every connection — an unauthenticated submit is never valid.
func TLSConfig(serverCert tls.Certificate, caPool *x509.CertPool, c *ca.CA) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("client certificate required")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse client cert: %w", err)
			}
			if result := c.Verify(leaf); !result.Valid {
				return fmt.Errorf("%s", result.Reason)
			}
			return nil
		},
	}
}

// RunCleanupSweep runs the rate limiter's Cleanup on a ticker until ctx is
// cancelled.
func (s *Server) RunCleanupSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup()
		}
	}
}

func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}
