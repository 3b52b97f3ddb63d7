package storeapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ironpost/broker/internal/auth"
	"github.com/ironpost/broker/internal/crypt"
	"github.com/ironpost/broker/internal/store"
)

type fakeOperatorUserStore struct {
	mu    sync.Mutex
	users map[string]store.User
}

func newFakeOperatorUserStore() *fakeOperatorUserStore {
	return &fakeOperatorUserStore{users: map[string]store.User{}}
}

func (f *fakeOperatorUserStore) GetUserByEmail(email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			cp := u
			return &cp, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeOperatorUserStore) GetUser(id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := u
	return &cp, nil
}

func (f *fakeOperatorUserStore) UpdateUser(u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeOperatorUserStore) put(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
}

type fakeRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]store.RefreshToken
}

func newFakeRefreshTokenStore() *fakeRefreshTokenStore {
	return &fakeRefreshTokenStore{tokens: map[string]store.RefreshToken{}}
}

func (f *fakeRefreshTokenStore) CreateRefreshToken(rt store.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[rt.TokenHash] = rt
	return nil
}

func (f *fakeRefreshTokenStore) GetRefreshToken(hash string) (*store.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.tokens[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rt, nil
}

func (f *fakeRefreshTokenStore) DeleteRefreshToken(hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, hash)
	return nil
}

const testSecretboxKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"

type noopAuditLog struct{}

func (noopAuditLog) AppendAudit(e store.AuditEntry) error { return nil }

type fakeOperatorStore struct {
	mu       sync.Mutex
	messages []store.Message
	users    map[string]store.User
}

func newFakeOperatorStore() *fakeOperatorStore {
	return &fakeOperatorStore{users: map[string]store.User{}}
}

func (f *fakeOperatorStore) ListMessages(filter store.MessageFilter) ([]store.Message, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if filter.ClientID != "" && m.ClientID != filter.ClientID {
			continue
		}
		out = append(out, m)
	}
	return out, len(out), nil
}

func (f *fakeOperatorStore) CancelMessage(id string) error                 { return nil }
func (f *fakeOperatorStore) GetStats() (store.MessageStats, error)        { return store.MessageStats{}, nil }
func (f *fakeOperatorStore) CreateUser(u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}
func (f *fakeOperatorStore) ListUsers() ([]store.User, error) { return nil, nil }
func (f *fakeOperatorStore) DeleteUser(id string) error       { return nil }
func (f *fakeOperatorStore) UpdateUser(u store.User) error    { return nil }
func (f *fakeOperatorStore) GetUser(id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &u, nil
}
func (f *fakeOperatorStore) ListClients() ([]store.Client, error)      { return nil, nil }
func (f *fakeOperatorStore) CreateClient(c store.Client) error         { return nil }
func (f *fakeOperatorStore) CreateCertificate(c store.Certificate) error { return nil }
func (f *fakeOperatorStore) ListCertificates() ([]store.Certificate, error) { return nil, nil }
func (f *fakeOperatorStore) RevokeCertificate(serial, reason string) (bool, error) {
	return false, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestOperatorServer(t *testing.T) (*OperatorServer, *fakeOperatorUserStore, *fakeOperatorStore) {
	t.Helper()
	users := newFakeOperatorUserStore()
	refresh := newFakeRefreshTokenStore()
	issuer := auth.NewTokenIssuer([]byte("test-signing-key-thats-long-enough"), 5*time.Minute, time.Hour)
	svc := auth.NewService(users, refresh, noopAuditLog{}, issuer, testLogger())
	opStore := newFakeOperatorStore()
	key, err := crypt.LoadKey(testSecretboxKeyHex)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	s := NewOperatorServer(OperatorDeps{
		Store:        opStore,
		Auth:         svc,
		Issuer:       issuer,
		SecretboxKey: key,
		Log:          testLogger(),
	})
	return s, users, opStore
}

func mustAdminUser(t *testing.T, users *fakeOperatorUserStore, email, password string) store.User {
	t.Helper()
	hash, _, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	u := store.User{UserID: "u1", Email: email, PasswordHash: hash, Role: store.RoleAdmin, Active: true}
	users.put(u)
	return u
}

func TestOperatorServer_LoginThenAccessAdminRoute(t *testing.T) {
	s, users, _ := newTestOperatorServer(t)
	mustAdminUser(t, users, "admin@example.com", "Str0ngPassw0rd!")

	loginBody, _ := json.Marshal(loginRequest{Email: "admin@example.com", Password: "Str0ngPassw0rd!"})
	loginReq := httptest.NewRequest(http.MethodPost, "/portal/auth/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(loginRec, loginReq)

	if loginRec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", loginRec.Code, loginRec.Body.String())
	}
	var pair map[string]any
	if err := json.Unmarshal(loginRec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	accessToken, _ := pair["access_token"].(string)
	if accessToken == "" {
		t.Fatal("expected a non-empty access_token")
	}

	statsReq := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	statsReq.Header.Set("Authorization", "Bearer "+accessToken)
	statsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(statsRec, statsReq)

	if statsRec.Code != http.StatusOK {
		t.Errorf("admin/stats status = %d, want 200", statsRec.Code)
	}
}

func TestOperatorServer_LoginRejectsWrongPassword(t *testing.T) {
	s, users, _ := newTestOperatorServer(t)
	mustAdminUser(t, users, "admin@example.com", "Str0ngPassw0rd!")

	loginBody, _ := json.Marshal(loginRequest{Email: "admin@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/portal/auth/login", bytes.NewReader(loginBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestOperatorServer_AdminRouteRejectsMissingToken(t *testing.T) {
	s, _, _ := newTestOperatorServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 with no bearer token", rec.Code)
	}
}

func TestOperatorServer_NonAdminRejectedFromAdminRoute(t *testing.T) {
	s, users, _ := newTestOperatorServer(t)
	hash, _, _ := auth.HashPassword("Str0ngPassw0rd!")
	users.put(store.User{UserID: "u2", Email: "user@example.com", PasswordHash: hash, Role: store.RoleUser, Active: true})

	loginBody, _ := json.Marshal(loginRequest{Email: "user@example.com", Password: "Str0ngPassw0rd!"})
	loginReq := httptest.NewRequest(http.MethodPost, "/portal/auth/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(loginRec, loginReq)

	var pair map[string]any
	json.Unmarshal(loginRec.Body.Bytes(), &pair)
	accessToken, _ := pair["access_token"].(string)

	statsReq := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	statsReq.Header.Set("Authorization", "Bearer "+accessToken)
	statsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(statsRec, statsReq)

	if statsRec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for a non-admin caller", statsRec.Code)
	}
}

func TestOperatorServer_ListMessagesDecryptsBodyAndScopesByClient(t *testing.T) {
	s, users, opStore := newTestOperatorServer(t)
	key, _ := crypt.LoadKey(testSecretboxKeyHex)
	ciphertextA, _ := crypt.Encrypt(key, "k1", []byte("hello A"))
	ciphertextB, _ := crypt.Encrypt(key, "k1", []byte("hello B"))
	opStore.messages = []store.Message{
		{MessageID: "m-a", ClientID: "client-a", BodyCiphertext: ciphertextA, Status: store.StatusDelivered},
		{MessageID: "m-b", ClientID: "client-b", BodyCiphertext: ciphertextB, Status: store.StatusDelivered},
	}
	hash, _, _ := auth.HashPassword("Str0ngPassw0rd!")
	users.put(store.User{UserID: "u3", Email: "scoped@example.com", PasswordHash: hash, Role: store.RoleUser, Active: true, LinkedClients: []string{"client-a"}})

	loginBody, _ := json.Marshal(loginRequest{Email: "scoped@example.com", Password: "Str0ngPassw0rd!"})
	loginReq := httptest.NewRequest(http.MethodPost, "/portal/auth/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(loginRec, loginReq)
	var pair map[string]any
	json.Unmarshal(loginRec.Body.Bytes(), &pair)
	accessToken, _ := pair["access_token"].(string)

	listReq := httptest.NewRequest(http.MethodGet, "/portal/messages", nil)
	listReq.Header.Set("Authorization", "Bearer "+accessToken)
	listRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", listRec.Code, listRec.Body.String())
	}
	var resp struct {
		Messages []decryptedMessage `json:"messages"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected exactly one visible message, got %d", len(resp.Messages))
	}
	if resp.Messages[0].MessageID != "m-a" {
		t.Errorf("message_id = %q, want m-a", resp.Messages[0].MessageID)
	}
	if resp.Messages[0].Body != "hello A" {
		t.Errorf("body = %q, want decrypted plaintext", resp.Messages[0].Body)
	}
}
