package storeapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ironpost/broker/internal/queue"
	"github.com/ironpost/broker/internal/store"
)

// Client is an mTLS HTTP client for the Internal API, presenting a
// component certificate. It satisfies internal/worker.Backend and
// internal/worker.Queue so a Worker process never opens the bbolt file
// directly, and is reused by internal/ingress for the submit path.
//
// Grounded on the same url/headers/*http.Client{Timeout:...} shape as
// internal/worker.DeliveryClient, which itself generalizes the teacher's
// webhook notifier.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds an Internal API client trusting baseTLSConfig's root
// pool and authenticating with componentCert.
func NewClient(baseURL string, componentCert tls.Certificate, baseTLSConfig *tls.Config) *Client {
	tlsConfig := baseTLSConfig.Clone()
	tlsConfig.Certificates = []tls.Certificate{componentCert}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("internal API %s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// RegisterMessage submits a new message for durable registration + enqueue.
func (c *Client) RegisterMessage(ctx context.Context, m store.Message) error {
	req := registerRequest{
		MessageID:         m.MessageID,
		ClientID:          m.ClientID,
		SenderFingerprint: base64.StdEncoding.EncodeToString(m.SenderFingerprint),
		SenderMasked:      m.SenderMasked,
		BodyCiphertext:    base64.StdEncoding.EncodeToString(m.BodyCiphertext),
	}
	_, err := c.do(ctx, http.MethodPost, "/internal/messages/register", req, nil)
	return err
}

// GetMessageForDelivery satisfies internal/worker.Backend.
func (c *Client) GetMessageForDelivery(id string) (*store.Message, error) {
	var m store.Message
	_, err := c.do(context.Background(), http.MethodGet, "/internal/messages/"+id, nil, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateStatus satisfies internal/worker.Backend.
func (c *Client) UpdateStatus(id string, to store.MessageStatus, attempts *uint, lastError string) error {
	req := updateStatusRequest{Status: to, Attempts: attempts, LastError: lastError}
	_, err := c.do(context.Background(), http.MethodPut, "/internal/messages/"+id+"/status", req, nil)
	return err
}

// ConfirmDelivery satisfies internal/worker.Backend.
func (c *Client) ConfirmDelivery(id string) error {
	_, err := c.do(context.Background(), http.MethodPost, "/internal/messages/deliver", deliverRequest{MessageID: id}, nil)
	return err
}

// FindStuckDelivering satisfies internal/worker.Backend.
func (c *Client) FindStuckDelivering(olderThan time.Time) ([]store.Message, error) {
	seconds := int(time.Since(olderThan).Seconds())
	var out []store.Message
	path := fmt.Sprintf("/internal/messages/stuck?older_than_seconds=%d", seconds)
	_, err := c.do(context.Background(), http.MethodGet, path, nil, &out)
	return out, err
}

// PopBlocking satisfies internal/worker.Queue. A 204 response (no entry
// within the requested window) surfaces as queue.ErrTimeout so callers can
// use the same sentinel as the in-process Queue.
func (c *Client) PopBlocking(timeout time.Duration) (string, error) {
	path := fmt.Sprintf("/internal/queue/pop?timeout_ms=%d", timeout.Milliseconds())
	var out struct {
		MessageID string `json:"message_id"`
	}
	status, err := c.do(context.Background(), http.MethodGet, path, nil, &out)
	if status == http.StatusNoContent {
		return "", queue.ErrTimeout
	}
	if err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// GetClient resolves a certificate CN to its Client row, satisfying
// internal/ingress.ClientLookup.
func (c *Client) GetClient(cn string) (*store.Client, error) {
	var cl store.Client
	_, err := c.do(context.Background(), http.MethodGet, "/internal/clients/"+cn, nil, &cl)
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// RevokedSerials fetches the current revocation set for refreshing a
// local *ca.CA's in-memory cache on a ticker (default 60s, per the
// trust-decision freshness bound).
func (c *Client) RevokedSerials(ctx context.Context) (map[string]time.Time, error) {
	var out map[string]time.Time
	_, err := c.do(ctx, http.MethodGet, "/internal/certificates/revoked", nil, &out)
	return out, err
}

// Fingerprints fetches the current client-certificate fingerprint registry
// for refreshing a local *ca.CA's pinning cache on the same ticker as
// RevokedSerials.
func (c *Client) Fingerprints(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	_, err := c.do(ctx, http.MethodGet, "/internal/certificates/fingerprints", nil, &out)
	return out, err
}

// Ping reports whether the Store and Queue are reachable, for Ingress's
// /health aggregation.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/internal/health", nil, nil)
	return err
}

// QueueDepth returns the Queue's current length, for Ingress's
// soft-limit backpressure check.
func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var out struct {
		QueueDepth int `json:"queue_depth"`
	}
	_, err := c.do(ctx, http.MethodGet, "/internal/health", nil, &out)
	if err != nil {
		return 0, err
	}
	return out.QueueDepth, nil
}

// Enqueue satisfies internal/worker.Queue.
func (c *Client) Enqueue(messageID string) error {
	_, err := c.do(context.Background(), http.MethodPost, "/internal/queue/enqueue", enqueueRequest{MessageID: messageID}, nil)
	return err
}
