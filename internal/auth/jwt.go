package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// CallerKey is the gin context key holding the verified *Caller.
const CallerKey = "caller"

// Caller is the service or user that triggered a sync request.
type Caller struct {
	Subject string
	Email   string
}

// JWTVerifier checks bearer tokens against a JWKS.
// Keys are served from a jwk.Cache, so verification does no network I/O on the hot path.
type JWTVerifier struct {
	keys     jwk.Set
	audience string
}

// VerifierOption customizes a JWTVerifier.
type VerifierOption func(*JWTVerifier)

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) {
		v.audience = audience
	}
}

// NewJWTVerifier registers jwksURL with an auto-refreshing cache and warms it up.
// The cache lives until ctx is cancelled.
func NewJWTVerifier(ctx context.Context, jwksURL string, refresh time.Duration, opts ...VerifierOption) (*JWTVerifier, error) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, jwksURL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}
	return NewStaticVerifier(jwk.NewCachedSet(cache, jwksURL), opts...), nil
}

// NewStaticVerifier verifies against a fixed key set.
func NewStaticVerifier(keys jwk.Set, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{keys: keys}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CallerFromRequest parses and validates the Authorization bearer token.
func (v *JWTVerifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse bearer token: %w", err)
	}
	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	caller := &Caller{Subject: token.Subject()}
	if email, ok := token.Get("email"); ok {
		caller.Email, _ = email.(string)
	}
	return caller, nil
}

// Middleware rejects requests without a valid bearer token.
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		caller, err := v.CallerFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CallerKey, caller)
		c.Next()
	}
}
