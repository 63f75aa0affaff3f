package middleware

import (
	"net/http"
	"runtime/debug"

	"modelforge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Recovery converts a handler panic into a 500 response
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				logger.ErrorCtx(c.Request.Context(), "panic recovered: %v\nstack:\n%s", err, string(stack))

				if c.Writer.Written() {
					c.Abort()
					return
				}
				resp := gin.H{"error": "internal server error"}
				if gin.Mode() == gin.DebugMode {
					resp["panic"] = err
					resp["stack"] = string(stack)
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
			}
		}()

		c.Next()
	}
}
