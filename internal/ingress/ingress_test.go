package ingress

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ironpost/broker/internal/ca"
	"github.com/ironpost/broker/internal/crypt"
	"github.com/ironpost/broker/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	messages []store.Message
	failN    int
}

func (f *fakeBackend) RegisterMessage(ctx context.Context, m store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("transient register failure")
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeHealth struct {
	depth  int
	pingOK bool
}

func (h *fakeHealth) Ping(ctx context.Context) error {
	if h.pingOK {
		return nil
	}
	return errors.New("store unreachable")
}

func (h *fakeHealth) QueueDepth(ctx context.Context) (int, error) { return h.depth, nil }

type fakeClients struct {
	mu      sync.Mutex
	clients map[string]*store.Client
}

func newFakeClients() *fakeClients { return &fakeClients{clients: map[string]*store.Client{}} }

func (c *fakeClients) GetClient(cn string) (*store.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[cn]
	if !ok {
		return nil, errors.New("not found")
	}
	return cl, nil
}

func testCA(t *testing.T) *ca.CA {
	t.Helper()
	c, err := ca.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("ca.Initialize failed: %v", err)
	}
	return c
}

// clientCertFor issues a client cert under c for cn, the way an operator's
// /admin/certificates/generate call would off a submitted CSR.
func clientCertFor(t *testing.T, c *ca.CA, cn string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}
	issued, err := c.IssueClientCert(csrDER, cn)
	if err != nil {
		t.Fatalf("IssueClientCert failed: %v", err)
	}
	block, _ := pem.Decode(issued.CertPEM)
	if block == nil {
		t.Fatal("failed to PEM-decode issued certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse issued certificate: %v", err)
	}
	return cert
}

func withPeerCert(r *http.Request, cert *x509.Certificate) *http.Request {
	r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	return r
}

func newTestServer(t *testing.T) (*Server, *fakeBackend, *fakeClients, *ca.CA) {
	t.Helper()
	c := testCA(t)
	backend := &fakeBackend{}
	clients := newFakeClients()
	var key [crypt.KeySize]byte
	s := New(Dependencies{
		Backend:        backend,
		Health:         &fakeHealth{pingOK: true},
		Clients:        clients,
		CA:             c,
		SecretboxKey:   &key,
		SenderHashSalt: []byte("test-salt"),
		RateLimit:      100,
		RateWindow:     time.Minute,
	})
	return s, backend, clients, c
}

func TestSubmit_RejectsMissingClientCert(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSubmit_RejectsUnknownClient(t *testing.T) {
	s, _, _, c := newTestServer(t)
	cert := clientCertFor(t, c, "client-a")
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hi"})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for a client with no registered row", rec.Code)
	}
}

func TestSubmit_RejectsRevokedClient(t *testing.T) {
	s, _, clients, c := newTestServer(t)
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: false}
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hi"})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for a deactivated client", rec.Code)
	}
}

func TestSubmit_RejectsInvalidSender(t *testing.T) {
	s, _, clients, c := newTestServer(t)
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: true}
	body, _ := json.Marshal(submitRequest{SenderNumber: "555-1234", MessageBody: "hi"})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-E.164 sender", rec.Code)
	}
}

func TestSubmit_RejectsOversizedBody(t *testing.T) {
	s, _, clients, c := newTestServer(t)
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: true}
	huge := make([]byte, 2000)
	for i := range huge {
		huge[i] = 'a'
	}
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: string(huge)})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a body over 1000 code points", rec.Code)
	}
}

func TestSubmit_SucceedsAndRegisters(t *testing.T) {
	s, backend, clients, c := newTestServer(t)
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: true}
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hello world"})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" || resp.MessageID == "" {
		t.Errorf("response = %+v, want a populated message_id and status queued", resp)
	}
	if backend.count() != 1 {
		t.Errorf("backend received %d messages, want 1", backend.count())
	}
}

func TestSubmit_RetriesTransientRegisterFailure(t *testing.T) {
	s, backend, clients, c := newTestServer(t)
	backend.failN = 2
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: true}
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hello"})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 after retries absorb two transient failures", rec.Code)
	}
}

func TestSubmit_RateLimitsPerClient(t *testing.T) {
	c := testCA(t)
	backend := &fakeBackend{}
	clients := newFakeClients()
	var key [crypt.KeySize]byte
	s := New(Dependencies{
		Backend: backend, Health: &fakeHealth{pingOK: true}, Clients: clients, CA: c,
		SecretboxKey: &key, SenderHashSalt: []byte("salt"), RateLimit: 1, RateWindow: time.Minute,
	})
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: true}

	submit := func() int {
		body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hi"})
		req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := submit(); code != http.StatusAccepted {
		t.Fatalf("first submit status = %d, want 202", code)
	}
	if code := submit(); code != http.StatusTooManyRequests {
		t.Errorf("second submit within the window status = %d, want 429", code)
	}
}

func TestSubmit_BackpressureRejectsAtSoftLimit(t *testing.T) {
	c := testCA(t)
	backend := &fakeBackend{}
	clients := newFakeClients()
	var key [crypt.KeySize]byte
	s := New(Dependencies{
		Backend: backend, Health: &fakeHealth{pingOK: true, depth: 10000}, Clients: clients, CA: c,
		SecretboxKey: &key, SenderHashSalt: []byte("salt"), RateLimit: 100, RateWindow: time.Minute,
		QueueSoftLimit: 5000,
	})
	cert := clientCertFor(t, c, "client-a")
	clients.clients["client-a"] = &store.Client{CN: "client-a", Active: true}
	body, _ := json.Marshal(submitRequest{SenderNumber: "+12345678901", MessageBody: "hi"})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body)), cert)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when queue depth is at the soft limit", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on backpressure rejection")
	}
}

func TestHealth_ReportsUnhealthyWhenStoreUnreachable(t *testing.T) {
	c := testCA(t)
	backend := &fakeBackend{}
	var key [crypt.KeySize]byte
	s := New(Dependencies{
		Backend: backend, Health: &fakeHealth{pingOK: false}, Clients: newFakeClients(), CA: c,
		SecretboxKey: &key, SenderHashSalt: []byte("salt"),
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
