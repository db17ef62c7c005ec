// Package security provides HTTP hardening middleware for the dev
// authority's API surface.
package security

import (
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets response headers appropriate for a JSON API
// with a websocket event feed. There are no HTML pages behind it, so
// the CSP forbids everything except same-origin fetches and websocket
// upgrades.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
