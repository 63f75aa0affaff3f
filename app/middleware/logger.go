package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"modelforge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
)

const (
	maxLoggedBody = 1000
	traceHeader   = "X-Request-ID"
)

// Logger assigns a trace id to every request and logs one line per
// completed request. JSON bodies of writes are logged compacted.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		traceID := c.GetHeader(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(traceHeader, traceID)

		var body string
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			body = readBody(c)
		}

		c.Next()

		status := c.Writer.Status()
		if status == http.StatusNotFound {
			return
		}
		msg := "%s %s | %3d | %v | %s"
		args := []interface{}{c.Request.Method, c.Request.RequestURI, status, time.Since(start), c.ClientIP()}
		if body != "" {
			msg += " | body: %s"
			args = append(args, body)
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorCtx(ctx, msg, args...)
		} else {
			logger.InfoCtx(ctx, msg, args...)
		}
	}
}

func readBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewBuffer(data))
	return CompressBody(data)
}

// CompressBody strips whitespace from a JSON body and truncates it
func CompressBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	compressed := pretty.Ugly(body)
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}
