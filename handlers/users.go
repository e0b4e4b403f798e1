package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/azuread"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/users"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/middleware"
)

// UsersHandler serves the user synchronization and lookup endpoints.
type UsersHandler struct {
	svc   *users.Service
	audit *audit.Logger
}

func NewUsersHandler(svc *users.Service, auditLog *audit.Logger) *UsersHandler {
	return &UsersHandler{svc: svc, audit: auditLog}
}

// Register mounts routes on the /users group. The unauthenticated sync-dev
// route is only registered when devMode is set, so production routing never
// carries it.
func (h *UsersHandler) Register(rg *gin.RouterGroup, requireToken gin.HandlerFunc, devMode bool) {
	rg.POST("/sync", requireToken, h.Sync)
	rg.GET("/me", requireToken, h.Me)
	rg.GET("/:oid", requireToken, h.ByOID)
	if devMode {
		rg.POST("/sync-dev", h.SyncDev)
	}
}

// Sync upserts the user record from the verified access-token claims, merging
// role information from the optional x-id-token header.
func (h *UsersHandler) Sync(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	// The ID token is decoded structurally only; it rides along for its roles
	// claim, the access token remains the authenticated identity.
	var secondary *azuread.Claims
	if idToken := c.GetHeader("x-id-token"); idToken != "" {
		if dec, _, err := azuread.Decode(idToken); err == nil {
			secondary = &dec
		} else {
			logger.Warnf("failed to decode ID token from header: %v", err)
		}
	}

	u, isNew, err := h.svc.SyncFromClaims(c.Request.Context(), claims, secondary)
	if err != nil {
		if errors.Is(err, users.ErrMissingSubject) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "OID is required in token claims"})
			return
		}
		logger.Errorf("user sync failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "user": u, "isNewUser": isNew})
}

// Me returns the stored record of the authenticated user.
func (h *UsersHandler) Me(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok || claims.OID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "OID is required in token claims"})
		return
	}

	u, err := h.svc.GetByOID(c.Request.Context(), claims.OID)
	if err != nil {
		logger.Errorf("error getting user info: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user info"})
		return
	}
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	h.audit.Record(c.Request.Context(), audit.EventUserInfoAccess, map[string]interface{}{
		"userId":         claims.OID,
		"userEmail":      u.Email,
		"accessedFields": []string{"oid", "name", "email", "preferred_username", "tenant_id", "roles", "first_login", "last_login"},
	})

	c.JSON(http.StatusOK, u)
}

// ByOID returns a user record by oid. Callers may only access their own
// record.
func (h *UsersHandler) ByOID(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	oid := c.Param("oid")
	if oid != claims.OID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	u, err := h.svc.GetByOID(c.Request.Context(), oid)
	if err != nil {
		logger.Errorf("error getting user by oid: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return
	}
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, u)
}

type devSyncRequest struct {
	OID               string   `json:"oid"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	PreferredUsername string   `json:"preferred_username"`
	TenantID          string   `json:"tenant_id"`
	Roles             []string `json:"roles"`
}

// SyncDev is the development-only unauthenticated sync endpoint. It accepts a
// claim payload directly and runs the same sync path as /sync.
func (h *UsersHandler) SyncDev(c *gin.Context) {
	var req devSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "OID is required"})
		return
	}

	email := req.Email
	if email == "" {
		email = req.PreferredUsername
	}
	if email == "" {
		email = req.OID + "@test.local"
	}
	name := req.Name
	if name == "" {
		name = "Test User"
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = "test-tenant-id"
	}

	claims := azuread.Claims{
		OID:               req.OID,
		Name:              name,
		Email:             email,
		PreferredUsername: email,
		TenantID:          tenantID,
		Roles:             req.Roles,
		Raw: map[string]interface{}{
			"oid":                req.OID,
			"name":               name,
			"preferred_username": email,
			"upn":                email,
			"tid":                tenantID,
		},
	}

	u, isNew, err := h.svc.SyncFromClaims(c.Request.Context(), claims, nil)
	if err != nil {
		logger.Errorf("test user sync failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync test user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": u, "isNewUser": isNew})
}
