// Package security provides the response hardening for order pages: headers,
// CORS, and checks on URLs the browser is sent to.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOptions tunes HeadersMiddleware.
type HeaderOptions struct {
	// WidgetOrigins are payment provider origins allowed to serve the hosted
	// card widget script and its frames.
	WidgetOrigins []string
	// HSTS pins browsers to https; only set it behind TLS.
	HSTS bool
}

// HeadersMiddleware adds security headers to every response. Order views can
// carry delivered account credentials, so nothing is cacheable.
func HeadersMiddleware(opts HeaderOptions) gin.HandlerFunc {
	csp := contentSecurityPolicy(opts.WidgetOrigins)
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", csp)
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(self)")
		h.Set("Cache-Control", "no-store")
		if opts.HSTS {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func contentSecurityPolicy(widgetOrigins []string) string {
	var extra strings.Builder
	for _, o := range widgetOrigins {
		if o = strings.TrimSpace(o); o != "" {
			extra.WriteString(" " + o)
		}
	}
	w := extra.String()
	return strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'" + w,
		"style-src 'self' 'unsafe-inline'" + w,
		"img-src 'self' data:" + w,
		"frame-src 'self'" + w,
		"connect-src 'self' ws: wss:" + w,
		"frame-ancestors 'none'",
	}, "; ")
}

// CORSMiddleware answers cross-origin requests from allowedOrigins. An empty
// list means same-origin only; "*" allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	wildcard := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, Idempotency-Key")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			h.Set("Access-Control-Max-Age", "86400")
			// browsers reject credentials on a wildcard policy
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
