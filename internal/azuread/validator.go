package azuread

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/config"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/metrics"
)

var (
	// ErrNoToken is returned when the Authorization header is absent or not of
	// the "Bearer <token>" shape.
	ErrNoToken = errors.New("azuread: no bearer token provided")
	// ErrAudienceMismatch is returned when the token audience matches none of
	// the accepted audience values.
	ErrAudienceMismatch = errors.New("azuread: token audience not accepted")
	// ErrInvalidToken is returned when signature, issuer, audience or temporal
	// claims fail cryptographic verification.
	ErrInvalidToken = errors.New("azuread: token failed verification")
)

// Resolver resolves the RSA public key for a token's key id.
type Resolver interface {
	ResolveKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Validator verifies Azure AD bearer tokens. Verification accepts any issuer
// from the configured acceptance set and either accepted audience value; every
// terminal outcome is recorded as an audit event.
type Validator struct {
	resolver  Resolver
	issuers   map[string]struct{}
	audiences []string
	audit     *audit.Logger
	parser    *jwt.Parser
}

// NewValidator builds a validator from the Azure AD configuration. All
// collaborators are passed explicitly so tests can substitute them.
func NewValidator(cfg config.AzureADConfig, resolver Resolver, auditLog *audit.Logger) *Validator {
	issuers := make(map[string]struct{})
	for _, iss := range cfg.AcceptedIssuers() {
		issuers[iss] = struct{}{}
	}
	return &Validator{
		resolver:  resolver,
		issuers:   issuers,
		audiences: cfg.Audiences(),
		audit:     auditLog,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// ValidateBearer validates an Authorization header of the form
// "Bearer <token>" and returns the verified claims.
func (v *Validator) ValidateBearer(ctx context.Context, header string) (Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		v.fail(ctx, "missing_or_malformed_header", "", nil)
		return Claims{}, ErrNoToken
	}
	return v.Validate(ctx, header[len(prefix):])
}

// Validate runs decode → audience pre-check → cryptographic verification and
// returns the verified claim set or a typed error.
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	unverified, _, err := Decode(token)
	if err != nil {
		v.fail(ctx, "unparseable", "", err)
		return Claims{}, err
	}

	// Fail fast on an obviously wrong audience before the network round-trip
	// to resolve a signing key. Not a security boundary: the cryptographic
	// step below re-checks the same accepted list on verified claims.
	if !v.audienceAccepted(unverified.Audience) {
		v.fail(ctx, "audience_mismatch", unverified.OID, nil)
		return Claims{}, ErrAudienceMismatch
	}

	parsed, err := v.parser.ParseWithClaims(token, jwt.MapClaims{}, v.keyFunc(ctx))
	if err != nil {
		if errors.Is(err, ErrKeyUnavailable) {
			v.fail(ctx, "key_unavailable", unverified.OID, err)
			return Claims{}, err
		}
		v.fail(ctx, "invalid_signature_or_claims", unverified.OID, err)
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := fromMap(parsed.Claims.(jwt.MapClaims))
	if _, ok := v.issuers[claims.Issuer]; !ok {
		v.fail(ctx, "issuer_not_accepted", claims.OID, nil)
		return Claims{}, fmt.Errorf("%w: issuer %q not accepted", ErrInvalidToken, claims.Issuer)
	}
	if !v.audienceAccepted(claims.Audience) {
		v.fail(ctx, "audience_mismatch", claims.OID, nil)
		return Claims{}, fmt.Errorf("%w: audience not accepted", ErrInvalidToken)
	}

	v.audit.Record(ctx, audit.EventTokenValidationSuccess, map[string]interface{}{
		"userId":    firstNonEmpty(claims.OID, claims.Subject),
		"userEmail": claims.Email,
	})
	metrics.TokenValidations.WithLabelValues("success").Inc()
	return claims, nil
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.resolver.ResolveKey(ctx, kid)
	}
}

func (v *Validator) audienceAccepted(auds []string) bool {
	for _, aud := range auds {
		for _, want := range v.audiences {
			if aud == want {
				return true
			}
		}
	}
	return false
}

// fail records the detailed rejection reason on the audit/log channel only;
// callers translate the typed error to a generic client-facing response.
func (v *Validator) fail(ctx context.Context, reason, subject string, err error) {
	details := map[string]interface{}{"reason": reason}
	if subject != "" {
		details["userId"] = subject
	}
	if err != nil {
		details["error"] = err.Error()
	}
	v.audit.Record(ctx, audit.EventTokenValidationFailure, details)
	metrics.TokenValidations.WithLabelValues("failure").Inc()
	logger.Warnf("token validation failed: %s", reason)
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}
