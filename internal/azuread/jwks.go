package azuread

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
)

// ErrKeyUnavailable is returned when a signing key cannot be resolved, either
// because the provider's key-set endpoint is unreachable or because the key id
// is absent after a refetch. Callers surface it as a validation failure, not a
// server error: from their perspective the token cannot be confirmed valid.
var ErrKeyUnavailable = errors.New("azuread: signing key unavailable")

// minRefreshInterval bounds how often an unknown key id may trigger a key-set
// refetch, so a client spraying bogus kids cannot stampede the provider.
const minRefreshInterval = 10 * time.Second

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// KeyResolver fetches the identity provider's published JSON Web Key Set and
// caches the RSA public keys by key id. The key set is stable for long
// periods; a cache miss for an unknown kid triggers at most one refetch
// (covering key rotation) before failing. Safe for concurrent use.
type KeyResolver struct {
	url     string
	client  *http.Client
	refresh *rate.Limiter

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// NewKeyResolver creates a resolver for the given key-set URL. timeout bounds
// each fetch so a provider outage cannot hang request handling.
func NewKeyResolver(jwksURL string, timeout time.Duration) *KeyResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KeyResolver{
		url:     jwksURL,
		client:  &http.Client{Timeout: timeout},
		refresh: rate.NewLimiter(rate.Every(minRefreshInterval), 1),
		keys:    make(map[string]*rsa.PublicKey),
	}
}

// ResolveKey returns the public key for the given key id, fetching the key
// set on a cache miss.
func (r *KeyResolver) ResolveKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: token header carries no kid", ErrKeyUnavailable)
	}
	if key := r.cached(kid); key != nil {
		return key, nil
	}
	if r.refresh.Allow() {
		if err := r.fetch(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		if key := r.cached(kid); key != nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: no key with id %q in provider key set", ErrKeyUnavailable, kid)
}

func (r *KeyResolver) cached(kid string) *rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[kid]
}

func (r *KeyResolver) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key-set endpoint returned %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			logger.Warnf("skipping unparsable key %q in key set: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("key set contains no usable RSA keys")
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	logger.Debugf("refreshed signing key set from %s (%d keys)", r.url, len(keys))
	return nil
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("exponent is not positive")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
