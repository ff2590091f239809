// Package token mints and verifies short-lived signed download tokens.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

// PurposeDownload marks tokens minted for file delivery. Tokens with any
// other purpose are rejected by Verify.
const PurposeDownload = "download"

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = time.Hour

// Claims binds a token to one file and the identity it was minted for.
type Claims struct {
	File    string `json:"file"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Minter issues and verifies download tokens with an HMAC secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewMinter creates a Minter. A non-positive ttl falls back to DefaultTTL.
func NewMinter(secret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL returns the configured token lifetime.
func (m *Minter) TTL() time.Duration { return m.ttl }

// Mint issues a download token for fileName on behalf of identityID.
func (m *Minter) Mint(fileName, identityID string) (string, error) {
	now := m.now()
	claims := &Claims{
		File:    fileName,
		Purpose: PurposeDownload,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign download token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims. Expired,
// malformed, tampered or wrong-purpose tokens all yield ErrTokenInvalid.
func (m *Minter) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if claims.Purpose != PurposeDownload || claims.File == "" {
		return nil, fmt.Errorf("%w: wrong purpose", models.ErrTokenInvalid)
	}
	return claims, nil
}
