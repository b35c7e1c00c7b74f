// Package auth guards operator-only endpoints with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the admin secret on requests.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set to true in the gin context once a request passes
// RequireAdmin.
const ContextKeyAdmin = "isAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. With an empty secret every request is rejected, so admin routes
// stay closed until ADMIN_SECRET is configured.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled. Set ADMIN_SECRET to enable them.",
			})
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the 'X-Admin-Secret' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(ContextKeyAdmin)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
