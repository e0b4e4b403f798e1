package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/middleware"
)

// AuthHandler serves authenticated identity endpoints.
type AuthHandler struct {
	audit *audit.Logger
}

func NewAuthHandler(auditLog *audit.Logger) *AuthHandler {
	return &AuthHandler{audit: auditLog}
}

// Register mounts routes on the /auth group. requireToken is the bearer
// validation middleware, injected so tests can substitute the validator.
func (h *AuthHandler) Register(rg *gin.RouterGroup, requireToken gin.HandlerFunc) {
	rg.GET("/me", requireToken, h.Me)
}

// Me returns the identity fields of the verified token.
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	userID := claims.OID
	if userID == "" {
		userID = claims.Subject
	}
	h.audit.Record(c.Request.Context(), audit.EventUserInfoAccess, map[string]interface{}{
		"userId":         userID,
		"userEmail":      claims.Email,
		"claimsAccessed": []string{"name", "email", "oid", "sub"},
	})

	c.JSON(http.StatusOK, gin.H{
		"name":  claims.Name,
		"email": claims.Email,
		"oid":   claims.OID,
		"sub":   claims.Subject,
	})
}
