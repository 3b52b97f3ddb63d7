package storeapi

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ironpost/broker/internal/apperr"
	"github.com/ironpost/broker/internal/audit"
	"github.com/ironpost/broker/internal/auth"
	"github.com/ironpost/broker/internal/ca"
	"github.com/ironpost/broker/internal/crypt"
	"github.com/ironpost/broker/internal/store"
)

// OperatorStore is the subset of internal/store.Store the Operator API
// dispatches to, beyond what internal/auth.Service already covers.
type OperatorStore interface {
	ListMessages(filter store.MessageFilter) ([]store.Message, int, error)
	CancelMessage(id string) error
	GetStats() (store.MessageStats, error)
	CreateUser(u store.User) error
	ListUsers() ([]store.User, error)
	DeleteUser(id string) error
	UpdateUser(u store.User) error
	GetUser(id string) (*store.User, error)
	ListClients() ([]store.Client, error)
	CreateClient(c store.Client) error
	CreateCertificate(c store.Certificate) error
	ListCertificates() ([]store.Certificate, error)
	RevokeCertificate(serial, reason string) (bool, error)
}

// OperatorDeps wires an OperatorServer.
type OperatorDeps struct {
	Store        OperatorStore
	Auth         *auth.Service
	Issuer       *auth.TokenIssuer
	CA           *ca.CA
	SecretboxKey *[crypt.KeySize]byte
	Audit        *audit.Log
	Log          *slog.Logger
}

// OperatorServer is the bearer-JWT-gated API operators use to submit
// logins, browse messages, and administer clients/certificates/users.
// Grounded on internal/web/server.go's mux/DI/writeJSON shape, with
// internal/auth.RequireBearerToken/RequireAdmin standing in for the
// teacher's cookie-session authed() wrapper.
type OperatorServer struct {
	deps OperatorDeps
	mux  *http.ServeMux
}

func NewOperatorServer(deps OperatorDeps) *OperatorServer {
	s := &OperatorServer{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *OperatorServer) Handler() http.Handler { return s.mux }

func (s *OperatorServer) registerRoutes() {
	s.mux.HandleFunc("POST /portal/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /portal/auth/refresh", s.handleRefresh)

	requireAuth := auth.RequireBearerToken(s.deps.Issuer)
	requireAdmin := func(h http.Handler) http.Handler { return requireAuth(auth.RequireAdmin(h)) }

	s.mux.Handle("GET /portal/messages", requireAuth(http.HandlerFunc(s.handleListMessages)))
	s.mux.Handle("POST /admin/messages/{id}/cancel", requireAdmin(http.HandlerFunc(s.handleCancelMessage)))

	s.mux.Handle("POST /admin/certificates/generate", requireAdmin(http.HandlerFunc(s.handleGenerateCertificate)))
	s.mux.Handle("POST /admin/certificates/revoke", requireAdmin(http.HandlerFunc(s.handleRevokeCertificate)))
	s.mux.Handle("GET /admin/certificates", requireAdmin(http.HandlerFunc(s.handleListCertificates)))

	s.mux.Handle("POST /admin/users", requireAdmin(http.HandlerFunc(s.handleCreateUser)))
	s.mux.Handle("GET /admin/users", requireAdmin(http.HandlerFunc(s.handleListUsers)))
	s.mux.Handle("DELETE /admin/users/{id}", requireAdmin(http.HandlerFunc(s.handleDeleteUser)))

	s.mux.Handle("GET /admin/stats", requireAdmin(http.HandlerFunc(s.handleStats)))
	s.mux.Handle("GET /admin/clients", requireAdmin(http.HandlerFunc(s.handleListClients)))
}

func (s *OperatorServer) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.deps.Store.ListClients()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func tokenPairResponse(p *auth.TokenPair) map[string]any {
	return map[string]any{
		"access_token":       p.AccessToken,
		"access_expires_at":  p.AccessExpiresAt,
		"refresh_token":      p.RefreshToken,
		"refresh_expires_at": p.RefreshExpiresAt,
	}
}

func (s *OperatorServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed login request"))
		return
	}
	pair, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		writeError(w, loginError(err))
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse(pair))
}

// loginError maps internal/auth's sentinel errors to the right HTTP status
// via apperr, instead of collapsing every login failure to 401.
func loginError(err error) error {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return apperr.RateLimited()
	default:
		return apperr.Unauthorized(err.Error())
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *OperatorServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed refresh request"))
		return
	}
	pair, err := s.deps.Auth.RefreshTokenPair(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, loginError(err))
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse(pair))
}

// decryptedMessage is a Message together with its decrypted body, for an
// authorized operator viewer. The embedded Message still carries its
// ciphertext field.
type decryptedMessage struct {
	store.Message
	Body string `json:"body"`
}

func (s *OperatorServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	q := r.URL.Query()
	filter := store.MessageFilter{
		Status:   store.MessageStatus(q.Get("status")),
		ClientID: q.Get("client_id"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if pageSize, err := strconv.Atoi(q.Get("page_size")); err == nil {
		filter.PageSize = pageSize
	}

	if !rc.Claims.IsAdmin() {
		if filter.ClientID != "" && !rc.Claims.CanViewClient(filter.ClientID) {
			writeError(w, apperr.Forbidden("not authorized to view this client's messages"))
			return
		}
	}

	messages, total, err := s.deps.Store.ListMessages(filter)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	out := make([]decryptedMessage, 0, len(messages))
	for _, m := range messages {
		if !rc.Claims.IsAdmin() && !rc.Claims.CanViewClient(m.ClientID) {
			continue
		}
		dm := decryptedMessage{Message: m}
		if plaintext, _, err := crypt.Decrypt(s.deps.SecretboxKey, m.BodyCiphertext); err == nil {
			dm.Body = string(plaintext)
		} else if s.deps.Log != nil {
			s.deps.Log.Error("failed to decrypt message body for operator view", "message_id", m.MessageID, "error", err)
		}
		out = append(out, dm)
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "total": total})
}

func (s *OperatorServer) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.CancelMessage(id); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Audit != nil {
		rc := auth.GetRequestContext(r.Context())
		_ = s.deps.Audit.Append(rc.Claims.UserID, "message.cancelled", id, "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *OperatorServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetStats()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createUserRequest struct {
	Email         string     `json:"email"`
	Password      string     `json:"password"`
	Role          store.Role `json:"role"`
	LinkedClients []string   `json:"linked_clients,omitempty"`
}

func (s *OperatorServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed create-user request"))
		return
	}
	hash, truncated, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	u := store.User{
		UserID:        auth.HashToken(req.Email)[:16],
		Email:         req.Email,
		PasswordHash:  hash,
		Role:          req.Role,
		Active:        true,
		LinkedClients: req.LinkedClients,
	}
	if err := s.deps.Store.CreateUser(u); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Audit != nil {
		rc := auth.GetRequestContext(r.Context())
		detail := ""
		if truncated {
			detail = "password_truncated"
		}
		_ = s.deps.Audit.Append(rc.Claims.UserID, "user.created", u.UserID, detail)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": u.UserID})
}

func (s *OperatorServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Store.ListUsers()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *OperatorServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteUser(id); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Audit != nil {
		rc := auth.GetRequestContext(r.Context())
		_ = s.deps.Audit.Append(rc.Claims.UserID, "user.deleted", id, "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type generateCertificateRequest struct {
	CSRPEM string `json:"csr_pem"`
	CN     string `json:"cn"`
}

func (s *OperatorServer) handleGenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var req generateCertificateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed certificate request"))
		return
	}
	block, _ := pem.Decode([]byte(req.CSRPEM))
	if block == nil {
		writeError(w, apperr.InvalidBody("csr_pem does not contain a PEM block"))
		return
	}
	issued, err := s.deps.CA.IssueClientCert(block.Bytes, req.CN)
	if err != nil {
		writeError(w, apperr.InvalidBody("csr rejected: "+err.Error()))
		return
	}

	cert := store.Certificate{
		Serial:            issued.Serial,
		SubjectCN:         req.CN,
		Kind:              store.CertKindClient,
		ExpiresAt:         issued.ExpiresAt,
		FingerprintSHA256: issued.FingerprintSHA256,
		Active:            true,
	}
	if err := s.deps.Store.CreateCertificate(cert); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.CreateClient(store.Client{CN: req.CN, DisplayName: req.CN, Active: true}); err != nil {
		if s.deps.Log != nil {
			s.deps.Log.Warn("client row already exists for newly issued certificate", "cn", req.CN, "error", err)
		}
	}
	if s.deps.Audit != nil {
		rc := auth.GetRequestContext(r.Context())
		_ = s.deps.Audit.Append(rc.Claims.UserID, "certificate.issued", issued.Serial, req.CN)
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"serial":      issued.Serial,
		"cert_pem":    base64.StdEncoding.EncodeToString(issued.CertPEM),
		"ca_cert_pem": base64.StdEncoding.EncodeToString(s.deps.CA.CACertPEM()),
	})
}

type revokeCertificateRequest struct {
	Serial string `json:"serial"`
	Reason string `json:"reason"`
}

func (s *OperatorServer) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req revokeCertificateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.InvalidBody("malformed revoke request"))
		return
	}
	alreadyRevoked, err := s.deps.Store.RevokeCertificate(req.Serial, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.CA.Revoke(req.Serial)
	if _, err := s.deps.CA.PublishCRL(); err != nil && s.deps.Log != nil {
		s.deps.Log.Error("failed to republish CRL after revocation", "serial", req.Serial, "error", err)
	}
	if s.deps.Audit != nil {
		rc := auth.GetRequestContext(r.Context())
		_ = s.deps.Audit.Append(rc.Claims.UserID, "certificate.revoked", req.Serial, req.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"already_revoked": alreadyRevoked})
}

func (s *OperatorServer) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.deps.Store.ListCertificates()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, certs)
}
