package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ironpost/broker/internal/clock"
	"github.com/ironpost/broker/internal/store"
)

// ErrInvalidToken covers every way a presented access token can fail to
// verify: bad signature, expired, wrong issuer, malformed claims.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// accessClaims is the JWT claim set an access token carries. role and
// linked_clients are denormalized from store.User at issuance time so the
// Operator API can authorize a request without a store lookup per call.
type accessClaims struct {
	jwt.RegisteredClaims
	Email         string     `json:"email"`
	Role          store.Role `json:"role"`
	LinkedClients []string   `json:"linked_clients,omitempty"`
}

// TokenIssuer mints and verifies the Operator API's JWT access tokens and
// opaque refresh tokens.
type TokenIssuer struct {
	signingKey      []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	clock           clock.Clock
}

// NewTokenIssuer builds an issuer bound to a single HMAC signing key.
func NewTokenIssuer(signingKey []byte, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{signingKey: signingKey, accessTokenTTL: accessTTL, refreshTokenTTL: refreshTTL, clock: clock.Real{}}
}

// WithClock overrides the issuer's time source, for tests that need to
// assert exact expiry timestamps without racing the wall clock.
func (t *TokenIssuer) WithClock(c clock.Clock) *TokenIssuer {
	t.clock = c
	return t
}

// IssueAccessToken mints a signed JWT bearer token for u, valid for the
// issuer's configured access token TTL.
func (t *TokenIssuer) IssueAccessToken(u *store.User) (string, time.Time, error) {
	now := t.clock.Now()
	expiresAt := now.Add(t.accessTokenTTL)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:         u.Email,
		Role:          u.Role,
		LinkedClients: u.LinkedClients,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken parses and validates a bearer token, returning the
// Claims an authorized handler can trust.
func (t *TokenIssuer) VerifyAccessToken(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &accessClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*accessClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return &Claims{
		UserID:        claims.Subject,
		Email:         claims.Email,
		Role:          claims.Role,
		LinkedClients: claims.LinkedClients,
	}, nil
}

const refreshTokenRawBytes = 32

// GenerateRefreshToken returns a new opaque refresh token (shown to the
// caller once), the SHA-256 hash stored in place of it, and its expiry.
func (t *TokenIssuer) GenerateRefreshToken() (plaintext, hash string, expiresAt time.Time, err error) {
	raw := make([]byte, refreshTokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", time.Time{}, err
	}
	plaintext = "rft_" + hex.EncodeToString(raw)
	hash = HashToken(plaintext)
	expiresAt = t.clock.Now().Add(t.refreshTokenTTL)
	return plaintext, hash, expiresAt, nil
}

// HashToken returns the SHA-256 hex digest of a token string, as stored
// for refresh tokens so the plaintext never touches disk.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
