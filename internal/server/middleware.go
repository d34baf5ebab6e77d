package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// CORS answers preflight and stamps permissive headers; the proxy serves
// local tooling, not browsers on the open internet.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-version, anthropic-beta")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuth enforces the configured proxy key. Clients send it as
// x-api-key or a bearer token; with no key configured the proxy is open.
func APIKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := config.Get().APIKey
		if key == "" {
			c.Next()
			return
		}

		provided := c.GetHeader("x-api-key")
		if provided == "" {
			authz := c.GetHeader("Authorization")
			provided = strings.TrimPrefix(authz, "Bearer ")
		}
		if provided != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				anthropic.NewErrorResponse("authentication_error", "invalid api key"))
			return
		}
		c.Next()
	}
}

// RequestLogging logs each request with latency and status.
func RequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		line := logging.Info
		if status >= 500 {
			line = logging.Error
		} else if status >= 400 {
			line = logging.Warn
		}
		line("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, latency.Round(time.Millisecond))
	}
}

// BodyLimit caps request bodies so a runaway client cannot exhaust memory.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
