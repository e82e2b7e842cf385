package auth

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/givecircle/coinescrow/internal/logging"
)

const (
	// ContextKeyPrincipal is the key for storing the authenticated caller in gin context
	ContextKeyPrincipal = "authPrincipal"
	// ContextKeyUserID is the key for storing the authenticated party id
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for storing the authenticated role
	ContextKeyRole = "authRole"
)

// Middleware extracts and verifies the bearer token.
// Sets authPrincipal, authUserID and authRole in context if valid, and
// annotates the request context so log lines carry the caller.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw != "" {
			p, err := m.Verify(raw)
			if err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Set(ContextKeyUserID, p.ID)
				c.Set(ContextKeyRole, string(p.Role))
				c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), p.ID, string(p.Role)))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires auth AND one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !slices.Contains(roles, p.Role) {
			logging.L(c.Request.Context()).Warn("role not permitted",
				"path", c.FullPath(), "required", roles)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Your role may not call this endpoint.",
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// GetAuthenticatedID returns the authenticated party id or "".
func GetAuthenticatedID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
