// Package auth issues and verifies the bearer tokens that accompany API
// requests and pipeline messages.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imgforge/imgforge/internal/errkind"
)

// Claims are the token claims: the owner the token acts for.
type Claims struct {
	Owner string `json:"owner"`
	jwt.RegisteredClaims
}

// Service signs and verifies HS256 tokens with a shared secret.
type Service struct {
	secretKey []byte
	tokenTTL  time.Duration
}

// NewService creates a Service. A zero ttl means issued tokens never expire,
// which suits long-running pipeline jobs.
func NewService(secretKey string, tokenTTL time.Duration) *Service {
	return &Service{secretKey: []byte(secretKey), tokenTTL: tokenTTL}
}

// GenerateToken issues a signed token for owner.
func (s *Service) GenerateToken(owner string) (string, error) {
	claims := Claims{
		Owner: owner,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.tokenTTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Verify parses and validates tokenString. Failures are Rejected: the caller
// presented credentials and they did not check out.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errkind.Newf(errkind.Rejected, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Rejected, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errkind.New(errkind.Rejected, "invalid token")
	}
	return claims, nil
}
