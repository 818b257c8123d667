package security

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceClaims are carried by the bearer tokens of calling services.
type ServiceClaims struct {
	Orgs []string `json:"orgs"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the token grants access to orgID. "*" grants every org.
func (c *ServiceClaims) CanAccess(orgID string) bool {
	return slices.Contains(c.Orgs, "*") || slices.Contains(c.Orgs, orgID)
}

// TokenService issues and validates HS256 service tokens.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// Issue creates a token for subject granting the given orgs, using the default TTL.
func (t *TokenService) Issue(subject string, orgs []string) (string, error) {
	return t.IssueWithTTL(subject, orgs, t.expiresIn)
}

func (t *TokenService) IssueWithTTL(subject string, orgs []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		Orgs: orgs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if len(claims.Orgs) == 0 {
		return nil, errors.New("token grants no organizations")
	}
	return claims, nil
}
