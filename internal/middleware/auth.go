// Package middleware - auth.go
//
// Falcon-Eye authenticates every API caller (dashboard, recorder pods,
// agent pods, cron-runner pods) with a single shared bearer token rather
// than per-user JWTs: there is no user/role model in this control plane,
// only the entities it manages. Grounded on the teacher's
// internal/auth/middleware.go Authorization-header extraction shape,
// simplified from token validation + user lookup down to a constant-time
// comparison against the configured token.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireBearerToken rejects any request whose Authorization header is
// not exactly "Bearer <token>" for the configured token.
func RequireBearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format. Use: Bearer <token>"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid bearer token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
