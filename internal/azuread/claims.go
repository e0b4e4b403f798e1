// Package azuread validates Azure AD bearer tokens: structural decoding,
// signing-key resolution against the provider's published key set, and
// cryptographic verification against the configured issuer and audience
// acceptance sets.
package azuread

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned when a token is not a structurally valid JWT.
var ErrMalformedToken = errors.New("azuread: token is not a well-formed JWT")

// Claims is the typed view of an Azure AD token's claim set. Raw preserves
// the full claim map for the persisted snapshot; the typed fields cover
// everything the application logic touches.
type Claims struct {
	// OID is the Azure AD object id, the stable subject identity used as the
	// user record key.
	OID               string
	Subject           string
	Name              string
	Email             string
	PreferredUsername string
	TenantID          string
	Roles             []string
	Issuer            string
	Audience          []string
	Raw               map[string]interface{}
}

// Decode parses a token structurally without verifying its signature and
// returns the claim set together with the key id from the token header.
// It is used for the pre-crypto audience check and for diagnostics; callers
// must never treat its output as authenticated.
func Decode(token string) (Claims, string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := parsed.Header["kid"].(string)
	return fromMap(parsed.Claims.(jwt.MapClaims)), kid, nil
}

func fromMap(mc jwt.MapClaims) Claims {
	c := Claims{
		OID:               stringClaim(mc, "oid"),
		Subject:           stringClaim(mc, "sub"),
		Name:              stringClaim(mc, "name"),
		PreferredUsername: stringClaim(mc, "preferred_username"),
		TenantID:          stringClaim(mc, "tid"),
		Raw:               map[string]interface{}(mc),
	}
	// Azure AD carries the e-mail in preferred_username for v2 tokens and in
	// upn for v1 tokens.
	c.Email = c.PreferredUsername
	if c.Email == "" {
		c.Email = stringClaim(mc, "upn")
	}
	if iss, err := mc.GetIssuer(); err == nil {
		c.Issuer = iss
	}
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if raw, ok := mc["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				c.Roles = append(c.Roles, s)
			}
		}
	}
	return c
}

func stringClaim(mc jwt.MapClaims, name string) string {
	s, _ := mc[name].(string)
	return s
}
