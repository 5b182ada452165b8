package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgemcp/dynmcp/validate"
)

// dynClaims is the JWT claims shape HS256Verifier expects, trimmed to what
// the server acts on; registered claims (exp, iat, ...) are still checked by
// jwt.ParseWithClaims.
type dynClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// HS256Verifier is the default TokenVerifier: a shared-secret JWT check
// pinned to HS256 exactly, to rule out algorithm-confusion attacks against
// a verifier that would otherwise accept whatever alg the token claims.
type HS256Verifier struct {
	secret []byte
}

// NewHS256Verifier validates secret against validate.MinSecretLen before
// accepting it.
func NewHS256Verifier(secret []byte) (*HS256Verifier, error) {
	if err := validate.ValidateSecret(secret); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &HS256Verifier{secret: secret}, nil
}

// Verify implements TokenVerifier.
func (v *HS256Verifier) Verify(_ context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &dynClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*dynClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("auth: invalid token")
	}
	return Claims{Subject: claims.Subject, Role: claims.Role}, nil
}
