package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"modelforge/pkg/config"
	"modelforge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware static API key authentication. The key is read from the
// Authorization bearer header, X-API-Key, or the api_key query parameter for
// WebSocket clients that cannot set headers.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := ""
		if config.GlobalConfig != nil {
			expected = config.GlobalConfig.Server.APIKey
		}
		if expected == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.GetHeader("X-API-Key")
		}
		if token == "" {
			token = c.Query("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			logger.WarnCtx(c.Request.Context(), "unauthorized request to %s", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
