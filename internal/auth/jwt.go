// Package auth validates broker credentials and subject identifiers.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

// Claims represents the JWT claims presented by stream clients and producers.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string      `json:"uid"`
	Username string      `json:"usr"`
	Role     models.Role `json:"role"`
	// Subjects restricts which wallets the bearer may watch. Empty means any.
	Subjects []string `json:"subs,omitempty"`
}

// TokenValidator validates bearer tokens issued by the external identity service.
type TokenValidator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewTokenValidator creates a validator for HMAC-signed tokens from issuer.
func NewTokenValidator(secret []byte, issuer string) *TokenValidator {
	return &TokenValidator{
		secret: secret,
		issuer: issuer,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// ValidateToken validates a JWT token and returns the claims.
func (v *TokenValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing principal", ErrInvalidToken)
	}

	return claims, nil
}

// Issuer returns the expected token issuer.
func (v *TokenValidator) Issuer() string {
	return v.issuer
}
