package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"

	"dio/pkg/logger"
)

const maxLoggedBody = 1000

// quiet paths are scraped or polled often enough to drown the log
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logger logs one line per request and carries X-Request-ID as the trace id
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		if id := c.GetHeader("X-Request-ID"); id != "" {
			c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		}

		var bodyStr string
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		statusCode := c.Writer.Status()
		// Skip logging for 404 requests
		if statusCode == http.StatusNotFound || quietPaths[c.Request.URL.Path] {
			return
		}

		logMsg := fmt.Sprintf("[GIN] %3d | %13v | %15s | %s | %s",
			statusCode,
			time.Since(startTime),
			c.ClientIP(),
			c.Request.Method,
			c.Request.RequestURI,
		)
		if bodyStr != "" {
			logMsg += fmt.Sprintf("\nRequest Body: %s", bodyStr)
		}

		if statusCode >= http.StatusInternalServerError {
			logger.WarnCtx(c.Request.Context(), "%s", logMsg)
		} else {
			logger.InfoCtx(c.Request.Context(), "%s", logMsg)
		}
	}
}

// getRequestBody gets request body content
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		// Reset request body since reading it clears it
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody compresses JSON using pretty package
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	// Compress JSON, ugly=true means remove all whitespace
	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}
