package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/clicense/internal/identity"
	"github.com/mbd888/clicense/internal/idgen"
	"github.com/mbd888/clicense/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyIdentity holds the caller's identity.Identity
	ContextKeyIdentity = "identity"

	// SessionHeader carries the anonymous session token.
	SessionHeader = "X-Session-ID"
)

// Middleware resolves the caller. A valid API key yields the account's
// identity; a request without one is an anonymous session, and a fresh
// session token is issued when none (or a malformed one) was sent. The
// token is echoed in the X-Session-ID response header either way.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		var id identity.Identity
		if apiKey != "" {
			key, acct, err := m.Resolve(c.Request.Context(), apiKey)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "invalid_api_key",
					"message": "The API key is invalid, revoked or expired.",
				})
				return
			}
			c.Set(ContextKeyAPIKey, key)
			id = acct.Identity()
		} else {
			session := c.GetHeader(SessionHeader)
			if !idgen.IsSessionID(session) {
				session = idgen.New()
			}
			c.Header(SessionHeader, session)
			id = identity.Anonymous(session)
		}

		c.Set(ContextKeyIdentity, id)
		c.Request = c.Request.WithContext(logging.WithIdentityID(c.Request.Context(), id.ID))
		c.Next()
	}
}

// RequireAccount rejects anonymous callers
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetIdentity returns the caller resolved by Middleware. It is the zero
// Identity when Middleware did not run.
func GetIdentity(c *gin.Context) identity.Identity {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return identity.Identity{}
	}
	id, _ := v.(identity.Identity)
	return id
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// RequireAdmin guards operator endpoints with the X-Admin-Secret header.
// An empty secret disables them entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled. Set ADMIN_SECRET to enable them.",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Secret header required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}
