package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ironpost/broker/internal/store"
)

// deliveryPayload is the body a worker POSTs to the downstream sink.
type deliveryPayload struct {
	MessageID string `json:"message_id"`
}

// DeliveryClient POSTs a message to the configured downstream sink over
// mTLS, presenting the worker's component certificate.
type DeliveryClient struct {
	url     string
	client  *http.Client
}

// NewDeliveryClient builds a delivery client trusting baseTLSConfig's root
// pool and authenticating with clientCert, following the same
// url/headers/*http.Client{Timeout:...} shape as a generic webhook
// notifier, generalized to present a client certificate over mTLS.
func NewDeliveryClient(url string, clientCert tls.Certificate, baseTLSConfig *tls.Config) *DeliveryClient {
	tlsConfig := baseTLSConfig.Clone()
	tlsConfig.Certificates = []tls.Certificate{clientCert}
	return &DeliveryClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
}

// Deliver posts {message_id} to the sink. A non-2xx response or transport
// error is reported back to the caller as a failure to retry.
func (c *DeliveryClient) Deliver(ctx context.Context, m *store.Message) error {
	body, err := json.Marshal(deliveryPayload{MessageID: m.MessageID})
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send delivery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery endpoint returned %s", resp.Status)
	}
	return nil
}
