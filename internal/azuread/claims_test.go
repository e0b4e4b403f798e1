package azuread

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedHS256(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestDecodeTypedFields(t *testing.T) {
	token := signedHS256(t, jwt.MapClaims{
		"oid":                "oid-123",
		"sub":                "sub-456",
		"name":               "Alice Example",
		"preferred_username": "alice@contoso.com",
		"tid":                "tenant-1",
		"iss":                "https://login.microsoftonline.com/tenant-1/v2.0",
		"aud":                "api://my-api",
		"roles":              []interface{}{"Admin", "Reader"},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}, "key-1")

	c, kid, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, "key-1", kid)
	require.Equal(t, "oid-123", c.OID)
	require.Equal(t, "sub-456", c.Subject)
	require.Equal(t, "Alice Example", c.Name)
	require.Equal(t, "alice@contoso.com", c.Email)
	require.Equal(t, "alice@contoso.com", c.PreferredUsername)
	require.Equal(t, "tenant-1", c.TenantID)
	require.Equal(t, "https://login.microsoftonline.com/tenant-1/v2.0", c.Issuer)
	require.Equal(t, []string{"api://my-api"}, c.Audience)
	require.Equal(t, []string{"Admin", "Reader"}, c.Roles)
	require.Equal(t, "oid-123", c.Raw["oid"])
}

func TestDecodeEmailFallsBackToUPN(t *testing.T) {
	token := signedHS256(t, jwt.MapClaims{
		"oid": "oid-1",
		"upn": "bob@contoso.com",
	}, "")

	c, _, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, "bob@contoso.com", c.Email)
	require.Empty(t, c.PreferredUsername)
}

func TestDecodeNoEmailClaims(t *testing.T) {
	token := signedHS256(t, jwt.MapClaims{"oid": "oid-1"}, "")

	c, _, err := Decode(token)
	require.NoError(t, err)
	require.Empty(t, c.Email)
}

func TestDecodeIgnoresNonStringRoles(t *testing.T) {
	token := signedHS256(t, jwt.MapClaims{
		"oid":   "oid-1",
		"roles": []interface{}{"Admin", 42, "Reader"},
	}, "")

	c, _, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, []string{"Admin", "Reader"}, c.Roles)
}

func TestDecodeMultipleAudiences(t *testing.T) {
	token := signedHS256(t, jwt.MapClaims{
		"oid": "oid-1",
		"aud": []interface{}{"api://one", "api://two"},
	}, "")

	c, _, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, []string{"api://one", "api://two"}, c.Audience)
}

func TestDecodeMalformed(t *testing.T) {
	for _, tok := range []string{"", "not-a-jwt", "a.b", "!!!.@@@.###"} {
		_, _, err := Decode(tok)
		require.ErrorIs(t, err, ErrMalformedToken, "token %q", tok)
	}
}
