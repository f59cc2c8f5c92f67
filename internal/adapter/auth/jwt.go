package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/niksmo/cartsync/internal/core/port"
)

var _ port.TokenVerifier = (*JWTVerifier)(nil)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is empty")
)

// A JWTVerifier checks HS256 access tokens and yields their subject.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns a verifier for secret. A non-empty issuer must
// match the "iss" claim.
func NewJWTVerifier(secret, issuer string) (JWTVerifier, error) {
	const op = "NewJWTVerifier"

	if secret == "" {
		return JWTVerifier{}, fmt.Errorf("%s: %w", op, ErrNoSecret)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

func (v JWTVerifier) VerifyToken(token string) (string, error) {
	const op = "JWTVerifier.VerifyToken"

	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, v.key)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%s: %w: no subject", op, ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (v JWTVerifier) key(*jwt.Token) (any, error) {
	return v.secret, nil
}
