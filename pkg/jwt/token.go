// Package jwt resolves bearer tokens to a payer identity.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for a token that does not verify
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for a well-signed token past its expiry
	ErrTokenExpired = errors.New("token has expired")
	// ErrNoIdentity is returned when a valid token carries neither email nor sub
	ErrNoIdentity = errors.New("token carries no identity")
)

// Claims are the claims this service reads and issues
type Claims struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 tokens
type TokenService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
}

// NewTokenService creates a new TokenService
func NewTokenService(secret, issuer string, expiration time.Duration) *TokenService {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, expiration: expiration}
}

// Issue signs a token for subject. Used by paymentsctl and tests; the real
// tokens come from the identity provider sharing the secret.
func (s *TokenService) Issue(subject, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies tokenString and returns its claims
func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Resolve maps a bearer token to the caller's payer identity: the email
// claim, falling back to sub
func (s *TokenService) Resolve(tokenString string) (string, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return "", err
	}
	if email := strings.TrimSpace(claims.Email); email != "" {
		return email, nil
	}
	if sub := strings.TrimSpace(claims.Subject); sub != "" {
		return sub, nil
	}
	return "", ErrNoIdentity
}
