package auth

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ironpost/broker/internal/clock"
	"github.com/ironpost/broker/internal/store"
)

// fixedClock pins Now() so expiry math can be asserted exactly instead of
// with an After(time.Now()) fuzzy bound.
type fixedClock struct{ at time.Time }

var _ clock.Clock = fixedClock{}

func (f fixedClock) Now() time.Time                         { return f.at }
func (f fixedClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f fixedClock) Since(t time.Time) time.Duration        { return f.at.Sub(t) }

func testIssuer() *TokenIssuer {
	return NewTokenIssuer([]byte("test-signing-key-do-not-use-in-prod"), 15*time.Minute, 30*24*time.Hour)
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	issuer := testIssuer()
	u := &store.User{
		UserID:        "u1",
		Email:         "admin@example.com",
		Role:          store.RoleAdmin,
		LinkedClients: []string{"client-a"},
	}

	signed, expiresAt, err := issuer.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if signed == "" {
		t.Fatal("expected non-empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expected expiresAt in the future")
	}

	claims, err := issuer.VerifyAccessToken(signed)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "admin@example.com" || claims.Role != store.RoleAdmin {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if len(claims.LinkedClients) != 1 || claims.LinkedClients[0] != "client-a" {
		t.Errorf("LinkedClients not round-tripped: %+v", claims.LinkedClients)
	}
}

func TestVerifyAccessToken_RejectsTamperedToken(t *testing.T) {
	issuer := testIssuer()
	u := &store.User{UserID: "u1", Role: store.RoleUser}
	signed, _, err := issuer.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	tampered := signed[:len(signed)-1] + "x"
	if _, err := issuer.VerifyAccessToken(tampered); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyAccessToken_RejectsWrongSigningKey(t *testing.T) {
	issuerA := NewTokenIssuer([]byte("key-a"), time.Minute, time.Hour)
	issuerB := NewTokenIssuer([]byte("key-b"), time.Minute, time.Hour)

	signed, _, err := issuerA.IssueAccessToken(&store.User{UserID: "u1", Role: store.RoleUser})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if _, err := issuerB.VerifyAccessToken(signed); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestIssueAccessToken_ExpiryTracksInjectedClock(t *testing.T) {
	fixed := fixedClock{at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	issuer := NewTokenIssuer([]byte("test-key"), 15*time.Minute, time.Hour).WithClock(fixed)

	_, expiresAt, err := issuer.IssueAccessToken(&store.User{UserID: "u1", Role: store.RoleUser})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	want := fixed.at.Add(15 * time.Minute)
	if !expiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, want)
	}
}

func TestVerifyAccessToken_RejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-key"), -time.Minute, time.Hour)
	signed, _, err := issuer.IssueAccessToken(&store.User{UserID: "u1", Role: store.RoleUser})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if _, err := issuer.VerifyAccessToken(signed); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	issuer := testIssuer()

	t.Run("returns rft_ prefix and matching hash", func(t *testing.T) {
		plaintext, hash, expiresAt, err := issuer.GenerateRefreshToken()
		if err != nil {
			t.Fatalf("GenerateRefreshToken failed: %v", err)
		}
		if !strings.HasPrefix(plaintext, "rft_") {
			t.Errorf("expected rft_ prefix, got %q", plaintext)
		}
		if HashToken(plaintext) != hash {
			t.Error("hash should match HashToken(plaintext)")
		}
		if !expiresAt.After(time.Now()) {
			t.Error("expected expiresAt in the future")
		}
	})

	t.Run("tokens are unique", func(t *testing.T) {
		p1, _, _, _ := issuer.GenerateRefreshToken()
		p2, _, _, _ := issuer.GenerateRefreshToken()
		if p1 == p2 {
			t.Error("two generated refresh tokens should not be identical")
		}
	})
}

func TestHashToken(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		token := "rft_some-test-token"
		if HashToken(token) != HashToken(token) {
			t.Error("HashToken should return the same value for the same input")
		}
	})

	t.Run("different inputs produce different hashes", func(t *testing.T) {
		if HashToken("token-a") == HashToken("token-b") {
			t.Error("different tokens should produce different hashes")
		}
	})

	t.Run("returns 64-char hex string", func(t *testing.T) {
		h := HashToken("anything")
		if len(h) != 64 {
			t.Errorf("expected 64 chars, got %d", len(h))
		}
		if _, err := hex.DecodeString(h); err != nil {
			t.Errorf("hash is not valid hex: %v", err)
		}
	})
}

func TestExtractBearerToken(t *testing.T) {
	t.Run("extracts from Bearer header", func(t *testing.T) {
		got := ExtractBearerToken("Bearer my-token-123")
		if got != "my-token-123" {
			t.Errorf("expected %q, got %q", "my-token-123", got)
		}
	})

	t.Run("returns empty for missing prefix", func(t *testing.T) {
		got := ExtractBearerToken("Basic dXNlcjpwYXNz")
		if got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("returns empty for empty string", func(t *testing.T) {
		got := ExtractBearerToken("")
		if got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("trims whitespace from token", func(t *testing.T) {
		got := ExtractBearerToken("Bearer  token-with-spaces  ")
		if got != "token-with-spaces" {
			t.Errorf("expected %q, got %q", "token-with-spaces", got)
		}
	})

	t.Run("case sensitive prefix", func(t *testing.T) {
		got := ExtractBearerToken("bearer my-token")
		if got != "" {
			t.Errorf("expected empty string for lowercase 'bearer', got %q", got)
		}
	})
}
