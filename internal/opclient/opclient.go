// Package opclient is a thin HTTPS client for the Operator API, used by
// cmd/brokerctl. It follows the same baseURL+do()+json.Decode shape as
// internal/storeapi.Client, trading a client certificate for a JWT bearer
// token since the Operator API is reached by humans, not components.
package opclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// APIError is returned for any non-2xx response, carrying the error Code
// the Operator API's writeError reported.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client talks to a Store's Operator API over TLS, optionally pinning a
// root CA and presenting a bearer token obtained from Login.
type Client struct {
	baseURL string
	client  *http.Client
	token   string
}

// New builds a Client. If caPool is nil, the system trust store is used,
// matching how an operator reaching a broker behind a public CA would
// configure brokerctl.
func New(baseURL string, caPool *x509.CertPool, insecureSkipVerify bool) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:            caPool,
					InsecureSkipVerify: insecureSkipVerify,
				},
			},
		},
	}
}

// SetToken installs a bearer token used by subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &apiErr)
		return &APIError{Status: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// TokenPair mirrors internal/storeapi's login/refresh response body.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var pair TokenPair
	req := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/portal/auth/login", nil, req, &pair); err != nil {
		return nil, err
	}
	c.token = pair.AccessToken
	return &pair, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var pair TokenPair
	req := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/portal/auth/refresh", nil, req, &pair); err != nil {
		return nil, err
	}
	c.token = pair.AccessToken
	return &pair, nil
}

func (c *Client) ListMessages(ctx context.Context, status, clientID string, page, pageSize int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/portal/messages", q, nil, &out)
	return out, err
}

func (c *Client) CancelMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/admin/messages/"+id+"/cancel", nil, nil, nil)
}

func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/admin/stats", nil, nil, &out)
	return out, err
}

func (c *Client) ListClients(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/admin/clients", nil, nil, &out)
	return out, err
}

func (c *Client) CreateUser(ctx context.Context, email, password, role string, linkedClients []string) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	req := map[string]any{"email": email, "password": password, "role": role, "linked_clients": linkedClients}
	err := c.do(ctx, http.MethodPost, "/admin/users", nil, req, &out)
	return out.UserID, err
}

func (c *Client) ListUsers(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/admin/users", nil, nil, &out)
	return out, err
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/admin/users/"+id, nil, nil, nil)
}

func (c *Client) GenerateCertificate(ctx context.Context, csrPEM, cn string) (json.RawMessage, error) {
	var out json.RawMessage
	req := map[string]string{"csr_pem": csrPEM, "cn": cn}
	err := c.do(ctx, http.MethodPost, "/admin/certificates/generate", nil, req, &out)
	return out, err
}

func (c *Client) RevokeCertificate(ctx context.Context, serial, reason string) error {
	req := map[string]string{"serial": serial, "reason": reason}
	return c.do(ctx, http.MethodPost, "/admin/certificates/revoke", nil, req, nil)
}

func (c *Client) ListCertificates(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/admin/certificates", nil, nil, &out)
	return out, err
}
