// Package auth implements the Operator API's authentication: password
// hashing, JWT bearer tokens, per-IP login rate limiting, and the HTTP
// middleware that turns a bearer token into a RequestContext.
package auth

import (
	"github.com/ironpost/broker/internal/store"
)

// Claims is the set of facts the Operator API trusts about the caller
// once a bearer token has been verified. It mirrors the subset of
// store.User an access token is allowed to carry.
type Claims struct {
	UserID        string
	Email         string
	Role          store.Role
	LinkedClients []string
}

// CanViewClient reports whether the caller may see messages belonging to
// clientID. Admins see everything; role=user is restricted to the CNs
// listed in LinkedClients.
func (c *Claims) CanViewClient(clientID string) bool {
	if c.Role == store.RoleAdmin {
		return true
	}
	for _, id := range c.LinkedClients {
		if id == clientID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller holds the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == store.RoleAdmin
}

// RequestContext is extracted from the request's bearer token by
// middleware and placed in context for handlers to consult.
type RequestContext struct {
	Claims *Claims
}

// contextKey is an unexported type for context keys, so values stored by
// this package can never collide with keys set elsewhere.
type contextKey struct{}

// ContextKey is the key used to store RequestContext in context.Context.
var ContextKey = contextKey{}
