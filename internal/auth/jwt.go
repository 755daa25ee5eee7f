// Package auth validates the credentials presented by live connections.
// Tokens are issued elsewhere; this package only checks them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"eventrelay/internal/types"
)

// Claims carried by a connection token. The user identity is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator checks HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewJWTValidator creates a validator. An empty issuer accepts any issuer.
func NewJWTValidator(secret types.SecretString, issuer string) (*JWTValidator, error) {
	if secret.IsZero() {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTValidator{
		secret: []byte(secret.Unmask()),
		issuer: issuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}, nil
}

// Validate parses token and returns its subject. Expired tokens yield an
// auth_token_expired AppError; anything else wrong yields auth_token_invalid.
func (v *JWTValidator) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "token is required", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", err)
		}
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", err)
	}
	if claims.Subject == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}
	return claims.Subject, nil
}

// Sign issues a token for subject. Used by tooling and tests; production
// tokens come from the identity service that shares the secret.
func (v *JWTValidator) Sign(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
