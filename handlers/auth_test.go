package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/azuread"
)

// stubToken is a middleware that injects verified claims the way the bearer
// validation middleware does.
func stubToken(claims azuread.Claims) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("claims", claims)
		c.Next()
	}
}

func TestAuthMe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAuthHandler(audit.NewNop())
	h.Register(r.Group("/auth"), stubToken(azuread.Claims{
		OID:     "oid-1",
		Subject: "sub-1",
		Name:    "Alice Example",
		Email:   "alice@contoso.com",
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/auth/me", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Alice Example", body["name"])
	require.Equal(t, "alice@contoso.com", body["email"])
	require.Equal(t, "oid-1", body["oid"])
	require.Equal(t, "sub-1", body["sub"])
}

func TestAuthMeWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAuthHandler(audit.NewNop())
	// no claims-injecting middleware
	h.Register(r.Group("/auth"), func(c *gin.Context) { c.Next() })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/auth/me", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error": "Invalid token"}`, w.Body.String())
}
