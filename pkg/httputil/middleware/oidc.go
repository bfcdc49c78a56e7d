package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/pgtable/pkg/httputil"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

var errInactiveToken = errors.New("token is not active")

// OIDCProviderConfig holds the configuration for the OIDC provider
type OIDCProviderConfig struct {
	ClientID     string `json:"client_id" mapstructure:"clientID"`
	ClientSecret string `json:"client_secret" mapstructure:"clientSecret"`
	Issuer       string `json:"issuer" mapstructure:"issuer"`
	// CacheTTL bounds how long an introspection result is reused. Zero
	// disables caching.
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cacheTTL"`
}

// Introspector resolves an access token to its introspection response.
type Introspector func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error)

// OIDCProvider verifies access tokens by introspection, caching active
// results until they expire or CacheTTL elapses.
type OIDCProvider struct {
	introspect Introspector
	cache      *TokenCache[*oidc.IntrospectionResponse]
	ttl        time.Duration
	now        func() time.Time
}

// NewOIDCProvider creates a resource server client for cfg.Issuer.
func NewOIDCProvider(ctx context.Context, cfg OIDCProviderConfig) (*OIDCProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Issuer == "" {
		return nil, errors.New("missing required OIDC configuration")
	}
	provider, err := rs.NewResourceServerClientCredentials(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("create OIDC resource server: %w", err)
	}
	return NewOIDCProviderWith(func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
		return rs.Introspect[*oidc.IntrospectionResponse](ctx, provider, token)
	}, cfg.CacheTTL), nil
}

// NewOIDCProviderWith wraps a custom introspector.
func NewOIDCProviderWith(introspect Introspector, cacheTTL time.Duration) *OIDCProvider {
	return &OIDCProvider{
		introspect: introspect,
		cache:      NewTokenCache[*oidc.IntrospectionResponse](),
		ttl:        cacheTTL,
		now:        time.Now,
	}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify returns the introspection response of an active token.
func (p *OIDCProvider) Verify(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
	key := tokenKey(token)
	if user, ok := p.cache.Get(key); ok {
		return user, nil
	}

	user, err := p.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, errInactiveToken
	}

	ttl := p.ttl
	if exp := user.Expiration.AsTime(); !exp.IsZero() && user.Expiration != 0 {
		ttl = min(ttl, exp.Sub(p.now()))
	}
	p.cache.Set(key, user, ttl)
	return user, nil
}

// VerifyOIDCToken is middleware that verifies OIDC tokens in Authorization headers.
// By default, it sends a 401 Unauthorized response if the token is missing or invalid.
// If send401Unauthorized is false, it allows requests with other authorization schemes
// (e.g., Basic Auth) to continue without interference.
func VerifyOIDCToken(provider *OIDCProvider, send401Unauthorized ...bool) func(http.Handler) http.Handler {
	send401 := true // Default behavior: Send 401 on failure
	if len(send401Unauthorized) > 0 {
		send401 = send401Unauthorized[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			if authHeader == "" {
				if send401 {
					http.Error(w, "Authorization header missing", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// Check for "Bearer" token (case-insensitive)
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if send401 {
					http.Error(w, "Invalid token format", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			tokenString := strings.TrimSpace(authHeader[len("bearer "):])

			user, err := provider.Verify(r.Context(), tokenString)
			if err != nil {
				LoggerFrom(r.Context()).Debug("token rejected")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), httputil.OIDCUserCtxKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
