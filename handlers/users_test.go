package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/azuread"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/models"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/users"
)

// memoryRepo is an in-memory users.UserRepository with the same
// insert/partial-update split as the Postgres implementation.
type memoryRepo struct {
	store map[string]*models.User
	err   error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: make(map[string]*models.User)}
}

func (m *memoryRepo) Upsert(_ context.Context, u *models.User) (*models.User, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	now := time.Now().UTC()
	existing, ok := m.store[u.OID]
	if !ok {
		out := *u
		out.FirstLogin, out.LastLogin, out.CreatedAt, out.UpdatedAt = now, now, now, now
		m.store[u.OID] = &out
		cp := out
		return &cp, true, nil
	}
	existing.Roles = u.Roles
	existing.Claims = u.Claims
	existing.LastLogin, existing.UpdatedAt = now, now
	cp := *existing
	return &cp, false, nil
}

func (m *memoryRepo) GetByOID(_ context.Context, oid string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.store[oid]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func usersRouter(repo users.UserRepository, claims azuread.Claims, devMode bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc := users.NewService(repo, audit.NewNop())
	h := NewUsersHandler(svc, audit.NewNop())
	h.Register(r.Group("/users"), stubToken(claims), devMode)
	return r
}

func aliceClaims() azuread.Claims {
	return azuread.Claims{
		OID:               "oid-1",
		Subject:           "sub-1",
		Name:              "Alice Example",
		Email:             "alice@contoso.com",
		PreferredUsername: "alice@contoso.com",
		TenantID:          "tenant-1",
		Roles:             []string{"Reader"},
		Raw:               map[string]interface{}{"oid": "oid-1"},
	}
}

type syncResponse struct {
	Success   bool        `json:"success"`
	IsNewUser bool        `json:"isNewUser"`
	User      models.User `json:"user"`
}

func postSync(t *testing.T, r *gin.Engine, idToken string) (*httptest.ResponseRecorder, syncResponse) {
	t.Helper()
	req := httptest.NewRequest("POST", "/users/sync", nil)
	if idToken != "" {
		req.Header.Set("x-id-token", idToken)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body syncResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	r := usersRouter(newMemoryRepo(), aliceClaims(), false)

	w, body := postSync(t, r, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, body.Success)
	require.True(t, body.IsNewUser)
	require.Equal(t, "oid-1", body.User.OID)
	firstLogin := body.User.FirstLogin
	require.False(t, firstLogin.IsZero())

	// the second sync of the same subject is an update, first_login stays
	w, body = postSync(t, r, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, body.IsNewUser)
	require.Equal(t, firstLogin, body.User.FirstLogin)
}

func TestSyncIDTokenRolesWin(t *testing.T) {
	r := usersRouter(newMemoryRepo(), aliceClaims(), false)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"oid":   "oid-1",
		"roles": []interface{}{"Admin", "Auditor"},
	})
	idToken, err := tok.SignedString([]byte("any"))
	require.NoError(t, err)

	w, body := postSync(t, r, idToken)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"Admin", "Auditor"}, body.User.Roles)
}

func TestSyncBadIDTokenIsIgnored(t *testing.T) {
	r := usersRouter(newMemoryRepo(), aliceClaims(), false)

	w, body := postSync(t, r, "not-a-jwt")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"Reader"}, body.User.Roles)
}

func TestSyncMissingOID(t *testing.T) {
	claims := aliceClaims()
	claims.OID = ""
	r := usersRouter(newMemoryRepo(), claims, false)

	w, _ := postSync(t, r, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error": "OID is required in token claims"}`, w.Body.String())
}

func TestSyncStorageFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.err = errors.New("db down")
	r := usersRouter(repo, aliceClaims(), false)

	w, _ := postSync(t, r, "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error": "Failed to sync user"}`, w.Body.String())
}

func TestUsersMe(t *testing.T) {
	repo := newMemoryRepo()
	r := usersRouter(repo, aliceClaims(), false)

	// not synced yet
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/me", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error": "User not found"}`, w.Body.String())

	postSync(t, r, "")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/me", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &u))
	require.Equal(t, "oid-1", u.OID)
	require.Equal(t, "alice@contoso.com", u.Email)
}

func TestUsersByOIDOwnRecord(t *testing.T) {
	repo := newMemoryRepo()
	r := usersRouter(repo, aliceClaims(), false)
	postSync(t, r, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/oid-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUsersByOIDForeignRecordDenied(t *testing.T) {
	r := usersRouter(newMemoryRepo(), aliceClaims(), false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/someone-else", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.JSONEq(t, `{"error": "Access denied"}`, w.Body.String())
}

func TestSyncDevOnlyInDevMode(t *testing.T) {
	payload := bytes.NewBufferString(`{"oid": "dev-1"}`)
	r := usersRouter(newMemoryRepo(), aliceClaims(), false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/users/sync-dev", payload))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncDevCreatesUserWithFallbacks(t *testing.T) {
	r := usersRouter(newMemoryRepo(), aliceClaims(), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/users/sync-dev", bytes.NewBufferString(`{"oid": "dev-1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body syncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.IsNewUser)
	require.Equal(t, "dev-1", body.User.OID)
	require.Equal(t, "Test User", body.User.Name)
	require.Equal(t, "dev-1@test.local", body.User.Email)
	require.Equal(t, "test-tenant-id", body.User.TenantID)
}

func TestSyncDevMissingOID(t *testing.T) {
	r := usersRouter(newMemoryRepo(), aliceClaims(), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/users/sync-dev", bytes.NewBufferString(`{"name": "No OID"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
