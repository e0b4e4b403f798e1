package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/azuread"
)

// claimsKey is the gin context key under which verified claims are stored.
const claimsKey = "claims"

// TokenValidator is the minimal interface the middleware depends on.
type TokenValidator interface {
	ValidateBearer(ctx context.Context, header string) (azuread.Claims, error)
}

// RequireAzureToken returns a middleware that validates the Authorization
// bearer token and stores the verified claims in the request context. The
// response body stays generic on failure; the detailed reason only travels
// through the audit channel.
func RequireAzureToken(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithRequest(c.Request.Context(), audit.RequestMeta{
			IP:        c.ClientIP(),
			Path:      c.Request.URL.Path,
			Method:    c.Request.Method,
			UserAgent: c.Request.UserAgent(),
		})
		c.Request = c.Request.WithContext(ctx)

		claims, err := v.ValidateBearer(ctx, c.GetHeader("Authorization"))
		if err != nil {
			if errors.Is(err, azuread.ErrNoToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No token provided"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the verified claims stored by RequireAzureToken.
func ClaimsFrom(c *gin.Context) (azuread.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return azuread.Claims{}, false
	}
	claims, ok := v.(azuread.Claims)
	return claims, ok
}
