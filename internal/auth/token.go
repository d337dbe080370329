// ABOUTME: API bearer tokens: HS256 JWTs scoped to the wabridge HTTP API
// ABOUTME: Tokens carry issuer, audience, scope and a unique ID; all are checked on verify

package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claim values stamped on every minted token and required on verify.
const (
	Issuer   = "wabridge"
	Audience = "wabridge-api"
	ScopeAPI = "api"
)

// Token errors
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrMissingClaim      = errors.New("missing required claim")
	ErrInsufficientScope = errors.New("token scope does not cover the API")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (subject string, err error)
}

// APIClaims are the claims of an API bearer token. Scope is a
// space-separated list.
type APIClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether s is one of the token's scopes.
func (c *APIClaims) HasScope(s string) bool {
	return slices.Contains(strings.Fields(c.Scope), s)
}

// JWTVerifier mints and verifies API tokens with a shared HS256 secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithAudience(Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// Verify validates the token and returns its subject.
func (v *JWTVerifier) Verify(tokenString string) (subject string, err error) {
	claims, err := v.Parse(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Parse validates the token and returns its claims. The token must be signed
// with HS256, name this bridge as issuer and audience, expire, identify a
// subject, and grant ScopeAPI.
func (v *JWTVerifier) Parse(tokenString string) (*APIClaims, error) {
	claims := &APIClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !claims.HasScope(ScopeAPI) {
		return nil, fmt.Errorf("%w: scope %q", ErrInsufficientScope, claims.Scope)
	}
	return claims, nil
}

// Generate mints an API token for subject that expires after expiresIn.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := APIClaims{
		Scope: ScopeAPI,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
