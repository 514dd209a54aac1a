package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/questboard/server/config"
)

// clockSkew is tolerated on exp/nbf/iat between the identity provider and us.
const clockSkew = 30 * time.Second

var errNoSubject = errors.New("token has no subject")

// Claims is the JWT payload. The subject is the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func newClaims(id Identity, issuer string, ttl time.Duration) *Claims {
	now := time.Now()
	return &Claims{
		Username: id.Username,
		Email:    id.Email,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

// GenerateToken signs an HS256 token for id. Production tokens come from
// the identity provider; this serves tests.
func GenerateToken(id Identity, secret string, ttl time.Duration) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, newClaims(id, "", ttl)).SignedString([]byte(secret))
}

// IssueToken signs a token the way the configured identity provider would,
// including its issuer. Used by the development token endpoint.
func IssueToken(id Identity, sec config.SecurityConfig, ttl time.Duration) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, newClaims(id, sec.JWTIssuer, ttl)).SignedString([]byte(sec.JWTSecret))
}

// ParseToken validates an HMAC-signed token and returns its claims. Extra
// parser options (issuer, audience) are applied on top of the defaults.
func ParseToken(tokenStr, secret string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
	}, opts...)
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errNoSubject
	}
	return claims, nil
}

// parserOptions derives issuer checks from the security config.
func parserOptions(sec config.SecurityConfig) []jwt.ParserOption {
	if sec.JWTIssuer == "" {
		return nil
	}
	return []jwt.ParserOption{jwt.WithIssuer(sec.JWTIssuer)}
}
