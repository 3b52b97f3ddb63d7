package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironpost/broker/internal/store"
)

// Sentinel errors returned by Service methods.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many login attempts")
	ErrAccountInactive    = errors.New("account is deactivated")
	ErrInvalidRefresh     = errors.New("invalid or expired refresh token")
)

// UserStore is the subset of internal/store.Store the auth Service needs
// for operator accounts. Declared as an interface so tests can substitute
// an in-memory fake without standing up a real BoltDB file.
type UserStore interface {
	GetUserByEmail(email string) (*store.User, error)
	GetUser(id string) (*store.User, error)
	UpdateUser(u store.User) error
}

// RefreshTokenStore is the subset of internal/store.Store the auth Service
// needs for refresh token issuance and revocation.
type RefreshTokenStore interface {
	CreateRefreshToken(rt store.RefreshToken) error
	GetRefreshToken(hash string) (*store.RefreshToken, error)
	DeleteRefreshToken(hash string) error
}

// AuditLog is the subset of internal/store.Store the auth Service needs to
// record login outcomes and the bcrypt-truncation warning.
type AuditLog interface {
	AppendAudit(e store.AuditEntry) error
}

// Service implements the Operator API's login, refresh, and logout flows.
type Service struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Audit         AuditLog
	Issuer        *TokenIssuer
	Log           *slog.Logger

	rateLimiter *RateLimiter
}

// ServiceOption customizes a Service built by NewService.
type ServiceOption func(*Service)

// WithRateLimiter overrides the Service's default login rate limiter, for a
// deployment whose Operator API needs different thresholds than
// NewRateLimiter's defaults (see NewRateLimiterConfig).
func WithRateLimiter(rl *RateLimiter) ServiceOption {
	return func(s *Service) { s.rateLimiter = rl }
}

// NewService builds a Service with a fresh per-IP login rate limiter.
func NewService(users UserStore, refresh RefreshTokenStore, audit AuditLog, issuer *TokenIssuer, log *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		Users:         users,
		RefreshTokens: refresh,
		Audit:         audit,
		Issuer:        issuer,
		Log:           log,
		rateLimiter:   NewRateLimiter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenPair is what the portal login and refresh endpoints hand back.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Login authenticates an operator by email and password, returning a fresh
// access/refresh token pair on success.
func (s *Service) Login(ctx context.Context, email, password, ip string) (*TokenPair, error) {
	if !s.rateLimiter.Allow(ip) {
		return nil, ErrRateLimited
	}

	u, err := s.Users.GetUserByEmail(email)
	if err != nil || u == nil {
		s.rateLimiter.RecordFailure(ip)
		return nil, ErrInvalidCredentials
	}

	if !u.Active {
		return nil, ErrAccountInactive
	}

	ok, truncated := s.checkPasswordAudited(u, password)
	if truncated {
		s.audit(u.UserID, "password_check_truncated", u.UserID, "bcrypt input exceeded 72 bytes and was truncated")
	}
	if !ok {
		s.rateLimiter.RecordFailure(ip)
		s.audit(u.UserID, "login_failed", u.UserID, "")
		return nil, ErrInvalidCredentials
	}

	s.rateLimiter.Reset(ip)
	u.LastLoginAt = time.Now().UTC()
	_ = s.Users.UpdateUser(*u)
	s.audit(u.UserID, "login_succeeded", u.UserID, "")

	return s.issuePair(u)
}

// checkPasswordAudited runs CheckPassword and separately reports whether
// the presented password exceeds bcrypt's 72-byte input limit (and so was
// truncated before comparison), so Login can emit the WARN audit entry the
// truncation design calls for regardless of whether the password matched.
func (s *Service) checkPasswordAudited(u *store.User, password string) (ok bool, truncated bool) {
	ok = CheckPassword(u.PasswordHash, password)
	truncated = len(password) > bcryptMaxInputBytes
	return ok, truncated
}

// RefreshTokenPair rotates a refresh token: the presented token is revoked
// and a new pair is issued, so a stolen refresh token is only ever usable
// once.
func (s *Service) RefreshTokenPair(ctx context.Context, rawRefreshToken string) (*TokenPair, error) {
	hash := HashToken(rawRefreshToken)
	rt, err := s.RefreshTokens.GetRefreshToken(hash)
	if err != nil {
		return nil, ErrInvalidRefresh
	}
	if err := s.RefreshTokens.DeleteRefreshToken(hash); err != nil {
		return nil, ErrInvalidRefresh
	}

	u, err := s.Users.GetUser(rt.UserID)
	if err != nil || u == nil || !u.Active {
		return nil, ErrInvalidRefresh
	}
	return s.issuePair(u)
}

// Logout revokes a single refresh token.
func (s *Service) Logout(rawRefreshToken string) error {
	return s.RefreshTokens.DeleteRefreshToken(HashToken(rawRefreshToken))
}

func (s *Service) issuePair(u *store.User) (*TokenPair, error) {
	access, accessExp, err := s.Issuer.IssueAccessToken(u)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, hash, refreshExp, err := s.Issuer.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.RefreshTokens.CreateRefreshToken(store.RefreshToken{TokenHash: hash, UserID: u.UserID, ExpiresAt: refreshExp}); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) audit(actor, action, target, detail string) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.AppendAudit(store.AuditEntry{Actor: actor, Action: action, Target: target, DetailsJSON: detail}); err != nil && s.Log != nil {
		s.Log.Warn("failed to write audit entry", "action", action, "error", err)
	}
}
