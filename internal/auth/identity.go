// Package auth verifies bearer tokens and hands verified identities to the
// request context.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

type contextKey string

const identityKey contextKey = "identity"

// IdentityClaims is the session token payload issued by the outer account
// service. Tier drives quota enforcement.
type IdentityClaims struct {
	Tier int `json:"tier"`
	jwt.RegisteredClaims
}

// Verifier validates session tokens and extracts identities.
type Verifier struct {
	secret  []byte
	issuer  string
	limiter *RateLimiter
}

// NewVerifier creates a Verifier. A non-empty issuer is enforced on parse.
func NewVerifier(secret, issuer string, limiter *RateLimiter) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, limiter: limiter}
}

// Parse validates a raw token and returns the identity it names.
func (v *Verifier) Parse(tokenString string) (*models.Identity, error) {
	claims := &IdentityClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", models.ErrTokenInvalid)
	}
	return &models.Identity{ID: claims.Subject, Tier: claims.Tier}, nil
}

// Middleware authenticates requests via "Authorization: Bearer <token>".
// Repeated failures from one address trip the rate limiter before any
// signature work happens.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := GetClientIP(r)
		if v.limiter != nil && v.limiter.IsLimited(ip) {
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}

		raw, ok := bearerToken(r)
		if !ok {
			v.recordFailure(ip)
			http.Error(w, "missing or malformed authorization header", http.StatusUnauthorized)
			return
		}

		identity, err := v.Parse(raw)
		if err != nil {
			v.recordFailure(ip)
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		if v.limiter != nil {
			v.limiter.Reset(ip)
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (v *Verifier) recordFailure(ip string) {
	if v.limiter != nil {
		v.limiter.RecordFailure(ip)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom extracts the authenticated identity from the context.
func IdentityFrom(ctx context.Context) (*models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*models.Identity)
	return identity, ok
}
