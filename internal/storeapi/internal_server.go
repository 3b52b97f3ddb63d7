package storeapi

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ironpost/broker/internal/apperr"
	"github.com/ironpost/broker/internal/audit"
	"github.com/ironpost/broker/internal/ca"
	"github.com/ironpost/broker/internal/queue"
	"github.com/ironpost/broker/internal/store"
)

// InternalQueue is the subset of internal/queue.Queue the Internal API
// exposes to Ingress (Enqueue) and Worker (PopBlocking) callers that never
// open the bbolt file directly.
type InternalQueue interface {
	Enqueue(messageID string) error
	PopBlocking(timeout time.Duration) (string, error)
	Length() (int, error)
}

// InternalStore is the subset of internal/store.Store the Internal API
// dispatches to.
type InternalStore interface {
	RegisterMessage(m store.Message) error
	GetMessageForDelivery(id string) (*store.Message, error)
	UpdateStatus(id string, to store.MessageStatus, attempts *uint, lastError string) error
	ConfirmDelivery(id string) error
	FindStuckDelivering(olderThan time.Time) ([]store.Message, error)
	GetClient(cn string) (*store.Client, error)
	RevokedSerials() (map[string]time.Time, error)
	Fingerprints() (map[string]string, error)
}

// InternalDeps wires an InternalServer.
type InternalDeps struct {
	Store InternalStore
	Queue InternalQueue
	CA    *ca.CA
	Audit *audit.Log
	Log   *slog.Logger
}

// InternalServer is the mTLS-only API Ingress and Worker processes speak to
// the Store over. Every route requires a client certificate whose CN was
// issued by our CA as a component cert with a proxy- or worker- prefix.
type InternalServer struct {
	deps InternalDeps
	mux  *http.ServeMux
}

func NewInternalServer(deps InternalDeps) *InternalServer {
	s := &InternalServer{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *InternalServer) Handler() http.Handler { return s.mux }

func (s *InternalServer) registerRoutes() {
	s.mux.HandleFunc("POST /internal/messages/register", s.componentAuthed(s.handleRegister))
	s.mux.HandleFunc("GET /internal/messages/{id}", s.componentAuthed(s.handleGetMessage))
	s.mux.HandleFunc("PUT /internal/messages/{id}/status", s.componentAuthed(s.handleUpdateStatus))
	s.mux.HandleFunc("POST /internal/messages/deliver", s.componentAuthed(s.handleDeliver))
	s.mux.HandleFunc("GET /internal/messages/stuck", s.componentAuthed(s.handleFindStuck))
	s.mux.HandleFunc("GET /internal/queue/pop", s.componentAuthed(s.handlePop))
	s.mux.HandleFunc("POST /internal/queue/enqueue", s.componentAuthed(s.handleEnqueue))
	s.mux.HandleFunc("GET /internal/health", s.componentAuthed(s.handleInternalHealth))
	s.mux.HandleFunc("GET /internal/clients/{cn}", s.componentAuthed(s.handleGetClient))
	s.mux.HandleFunc("GET /internal/certificates/revoked", s.componentAuthed(s.handleRevokedSerials))
	s.mux.HandleFunc("GET /internal/certificates/fingerprints", s.componentAuthed(s.handleFingerprints))
}

// componentAuthed verifies the caller's client certificate against the CA
// (chain, expiry, revocation — the same checks internal/ca.CA.Verify
// performs at the TLS layer's VerifyPeerCertificate hook) and additionally
// restricts the route to component identities, mirroring the
// cluster server's belt-and-braces re-check of the TLS-level CRL decision
// inside the handler.
func (s *InternalServer) componentAuthed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, apperr.Unauthorized("client certificate required"))
			return
		}
		leaf := r.TLS.PeerCertificates[0]
		result := s.deps.CA.Verify(leaf)
		if !result.Valid {
			writeError(w, apperr.Unauthorized(result.Reason))
			return
		}
		cn := result.CommonName
		if !strings.HasPrefix(cn, "proxy-") && !strings.HasPrefix(cn, "worker-") {
			writeError(w, apperr.Forbidden(fmt.Sprintf("component %q is not authorized for the internal API", cn)))
			return
		}
		next(w, r)
	}
}

// TLSConfig builds the mTLS listener configuration, following the same
// shape the cluster server's Start method uses: a server certificate
// issued from the same CA, ClientCAs from the CA pool, and
// RequireAndVerifyClientCert since the internal API never accepts an
// unauthenticated caller.
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

type registerRequest struct {
	MessageID         string `json:"message_id"`
	ClientID          string `json:"client_id"`
	SenderFingerprint string `json:"sender_fingerprint_b64"`
	SenderMasked      string `json:"sender_masked"`
	BodyCiphertext    string `json:"body_ciphertext_b64"`
}

func (s *InternalServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed register request"))
		return
	}
	fp, err := base64.StdEncoding.DecodeString(req.SenderFingerprint)
	if err != nil {
		writeError(w, apperr.InvalidBody("sender_fingerprint_b64 is not valid base64"))
		return
	}
	ct, err := base64.StdEncoding.DecodeString(req.BodyCiphertext)
	if err != nil {
		writeError(w, apperr.InvalidBody("body_ciphertext_b64 is not valid base64"))
		return
	}

	now := time.Now().UTC()
	msg := store.Message{
		MessageID:         req.MessageID,
		ClientID:          req.ClientID,
		SenderFingerprint: fp,
		SenderMasked:      req.SenderMasked,
		BodyCiphertext:    ct,
		Status:            store.StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.deps.Store.RegisterMessage(msg); err != nil {
		writeError(w, err)
		return
	}

	// Enqueue with bounded retries; a message durably registered but never
	// enqueued would be orphaned, so a failure here is marked failed rather
	// than left to silently rot in queued.
	const enqueueAttempts = 3
	var enqueueErr error
	for i := 0; i < enqueueAttempts; i++ {
		if enqueueErr = s.deps.Queue.Enqueue(req.MessageID); enqueueErr == nil {
			break
		}
	}
	if enqueueErr != nil {
		_ = s.deps.Store.UpdateStatus(req.MessageID, store.StatusFailed, nil, "enqueue failed after registration")
		if s.deps.Log != nil {
			s.deps.Log.Error("message registered but could not be enqueued", "message_id", req.MessageID, "error", enqueueErr, "remote", clientIP(r))
		}
		writeError(w, apperr.QueueUnavailable(enqueueErr))
		return
	}

	if s.deps.Audit != nil {
		_ = s.deps.Audit.Append(req.ClientID, "message.submitted", req.MessageID, "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": req.MessageID, "status": string(store.StatusQueued)})
}

func (s *InternalServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.deps.Store.GetMessageForDelivery(id)
	if err != nil {
		writeError(w, apperr.NotFound("message"))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type updateStatusRequest struct {
	Status    store.MessageStatus `json:"status"`
	Attempts  *uint               `json:"attempts,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

func (s *InternalServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed status update"))
		return
	}
	if err := s.deps.Store.UpdateStatus(id, req.Status, req.Attempts, req.LastError); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deliverRequest struct {
	MessageID string `json:"message_id"`
}

// handleDeliver is both the abstract "downstream sink" a worker POSTs to
// and the transition that records delivered, per spec: the delivery call's
// endpoint and the ConfirmDelivery transition are the same thing.
func (s *InternalServer) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed deliver request"))
		return
	}
	if err := s.deps.Store.ConfirmDelivery(req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Audit != nil {
		_ = s.deps.Audit.Append("", "message.delivered", req.MessageID, "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *InternalServer) handleFindStuck(w http.ResponseWriter, r *http.Request) {
	olderSeconds, err := strconv.Atoi(r.URL.Query().Get("older_than_seconds"))
	if err != nil || olderSeconds < 0 {
		writeError(w, apperr.InvalidBody("older_than_seconds must be a non-negative integer"))
		return
	}
	cutoff := time.Now().Add(-time.Duration(olderSeconds) * time.Second)
	stuck, err := s.deps.Store.FindStuckDelivering(cutoff)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, stuck)
}

func (s *InternalServer) handlePop(w http.ResponseWriter, r *http.Request) {
	timeoutMS, err := strconv.Atoi(r.URL.Query().Get("timeout_ms"))
	if err != nil || timeoutMS <= 0 {
		timeoutMS = 5000
	}
	id, err := s.deps.Queue.PopBlocking(time.Duration(timeoutMS) * time.Millisecond)
	if err != nil {
		if err == queue.ErrTimeout {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, apperr.QueueUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

type enqueueRequest struct {
	MessageID string `json:"message_id"`
}

func (s *InternalServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed enqueue request"))
		return
	}
	if err := s.deps.Queue.Enqueue(req.MessageID); err != nil {
		writeError(w, apperr.QueueUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetClient resolves a certificate CN to its Client row so Ingress
// can enforce UnknownClient/ClientRevoked without ever opening the bbolt
// file directly.
func (s *InternalServer) handleGetClient(w http.ResponseWriter, r *http.Request) {
	cn := r.PathValue("cn")
	cl, err := s.deps.Store.GetClient(cn)
	if err != nil {
		writeError(w, apperr.NotFound("client"))
		return
	}
	writeJSON(w, http.StatusOK, cl)
}

// handleRevokedSerials lets Ingress and Worker refresh their in-memory CA
// revocation set (freshness <=60s per the trust-decision contract) without
// either process touching the Store's bbolt file directly.
func (s *InternalServer) handleRevokedSerials(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.deps.Store.RevokedSerials()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

// handleFingerprints lets Ingress refresh internal/ca's client-certificate
// fingerprint registry (the fourth Verify check) on the same cadence as
// handleRevokedSerials. Worker never calls this route: it never terminates
// client mTLS connections, so it has no use for fingerprint pinning.
func (s *InternalServer) handleFingerprints(w http.ResponseWriter, r *http.Request) {
	fingerprints, err := s.deps.Store.Fingerprints()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, fingerprints)
}

// handleInternalHealth gives Ingress and Worker a cheap, read-only check
// that the Store's database and the Queue are both reachable, without the
// side effects a real pop or write would have.
func (s *InternalServer) handleInternalHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.FindStuckDelivering(time.Now().Add(time.Hour)); err != nil {
		writeError(w, apperr.StoreUnavailable(err))
		return
	}
	depth, err := s.deps.Queue.Length()
	if err != nil {
		writeError(w, apperr.QueueUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": depth})
}

// clientIP extracts the dialing address for audit/logging, stripping the
// port the way a proxy-aware logger would.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
