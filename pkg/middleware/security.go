package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders sets the baseline security headers on every response:
// CSP, HSTS, clickjacking and MIME-sniffing protection, referrer and
// browser-feature restrictions.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self' 'unsafe-inline' 'unsafe-eval'; "+
				"style-src 'self' 'unsafe-inline'; "+
				"img-src 'self' data: https:; "+
				"font-src 'self'; "+
				"connect-src 'self' https://login.microsoftonline.com https://graph.microsoft.com; "+
				"frame-ancestors 'none';")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=(), usb=()")
		c.Next()
	}
}

// AuthSecurityHeaders tightens headers on authentication endpoints: responses
// carry credential-derived data and must never be cached, and the CSP only
// admits the identity provider.
func AuthSecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		h.Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self'; "+
				"style-src 'self'; "+
				"img-src 'self' data: https://login.microsoftonline.com; "+
				"font-src 'self'; "+
				"connect-src 'self' https://login.microsoftonline.com https://graph.microsoft.com; "+
				"frame-ancestors 'none'; "+
				"form-action 'self' https://login.microsoftonline.com;")
		c.Next()
	}
}
