// Package api implements the admin HTTP API of tftpd: status, sessions,
// files, audit entries, Prometheus metrics and a live event feed.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// rateLimit caps the whole API at rps requests per second with a burst of
// twice that. The API listens on loopback by default, so one bucket is
// shared by all callers. rps <= 0 disables the limit.
func rateLimit(rps int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(rps), 2*rps)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// readOnlyHeaders marks every response as live, uncacheable JSON.
func readOnlyHeaders(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "no-store")
	c.Header("Server", "tftpd")
	c.Next()
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Warn()
	}
	ev.Str("component", "api").
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("api request")
}
