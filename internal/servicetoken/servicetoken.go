// Package servicetoken mints and verifies the HS256 bearer tokens that
// backend callers present to the RPC surfaces.
package servicetoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrInvalidToken = errors.New("invalid service token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims identify a backend caller.
type Claims struct {
	jwt.RegisteredClaims
}

// Mint signs a token for subject valid for ttl from now.
func Mint(secret []byte, issuer string, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 || strings.TrimSpace(subject) == "" || ttl <= 0 {
		return "", ErrInvalidToken
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verifier checks tokens signed with one secret by one issuer.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify returns the caller subject of a raw token.
func (verifier *Verifier) Verify(raw string) (string, error) {
	if len(verifier.secret) == 0 {
		return "", ErrInvalidToken
	}
	claims := &Claims{}
	token, err := verifier.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return verifier.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if !token.Valid || subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// VerifyHeader verifies an Authorization header value.
func (verifier *Verifier) VerifyHeader(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMissingToken
	}
	return verifier.Verify(strings.TrimSpace(header[len(bearerPrefix):]))
}
