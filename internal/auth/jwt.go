// Package auth issues and validates the bearer tokens of the JSON API and
// the form tokens embedded in the watcher pages.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrFormToken    = errors.New("invalid form token")
)

// formAudience prefixes the audience of form tokens so they can never pass
// as session tokens.
const formAudience = "form:"

// Claims identify the account acting through the API.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 tokens.
type JWTManager struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

func NewJWTManager(secretKey, issuer string) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		now:       time.Now,
	}
}

// GenerateToken returns a token for account valid for ttl.
func (m *JWTManager) GenerateToken(account, email string, ttl time.Duration) (string, error) {
	if len(m.secretKey) == 0 {
		return "", ErrNoSecret
	}
	now := m.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   account,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateToken parses and verifies a token.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	if len(m.secretKey) == 0 {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || len(claims.Audience) > 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateFormToken returns a token that ties one HTML form, identified by
// scope, to the account that loaded it.
func (m *JWTManager) GenerateFormToken(account, scope string, ttl time.Duration) (string, error) {
	if len(m.secretKey) == 0 {
		return "", ErrNoSecret
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    m.issuer,
		Subject:   account,
		Audience:  jwt.ClaimStrings{formAudience + scope},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
}

// ValidateFormToken checks that tokenString was issued by GenerateFormToken
// for the same account and scope and has not expired.
func (m *JWTManager) ValidateFormToken(tokenString, account, scope string) error {
	if len(m.secretKey) == 0 {
		return ErrNoSecret
	}
	if tokenString == "" || account == "" {
		return ErrFormToken
	}
	_, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrFormToken
		}
		return m.secretKey, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithSubject(account),
		jwt.WithAudience(formAudience+scope),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormToken, err)
	}
	return nil
}
