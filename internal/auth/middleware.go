package auth

import (
	"context"
	"net/http"
)

// RequireBearerToken returns middleware that verifies the Authorization
// header's bearer token and injects the resulting RequestContext. Requests
// with a missing or invalid token are rejected with 401 before reaching
// next.
func RequireBearerToken(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := ExtractBearerToken(r.Header.Get("Authorization"))
			if bearer == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			claims, err := issuer.VerifyAccessToken(bearer)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKey, &RequestContext{Claims: claims})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns middleware that rejects any caller whose role is
// not admin. Must run after RequireBearerToken.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := GetRequestContext(r.Context())
		if rc == nil || rc.Claims == nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		if !rc.Claims.IsAdmin() {
			http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetRequestContext extracts the RequestContext from the request context.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ContextKey).(*RequestContext)
	return rc
}
