// ABOUTME: Unit tests for API token minting and verification
// ABOUTME: Covers issuer, audience, scope, signing method, expiry and subject checks

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

// sign signs claims with the test secret using method.
func sign(t *testing.T, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

// apiClaims returns claims that pass verification; tests break one field.
func apiClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   Issuer,
		"aud":   Audience,
		"sub":   "crm",
		"scope": ScopeAPI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("crm", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "crm" {
		t.Errorf("Subject = %q, want crm", claims.Subject)
	}
	if claims.Issuer != Issuer {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != Audience {
		t.Errorf("Audience = %v, want [%s]", claims.Audience, Audience)
	}
	if !claims.HasScope(ScopeAPI) {
		t.Errorf("Scope = %q, want it to include %q", claims.Scope, ScopeAPI)
	}
	if claims.ID == "" {
		t.Error("ID is empty")
	}

	subject, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if subject != "crm" {
		t.Errorf("Verify() = %q, want crm", subject)
	}
}

func TestJWTVerifier_HandWrittenClaimsAccepted(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	claims := apiClaims()
	claims["scope"] = "read " + ScopeAPI
	if _, err := verifier.Verify(sign(t, jwt.SigningMethodHS256, claims)); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	without := func(key string) jwt.MapClaims {
		c := apiClaims()
		delete(c, key)
		return c
	}
	with := func(key string, value any) jwt.MapClaims {
		c := apiClaims()
		c[key] = value
		return c
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty token", "", ErrInvalidToken},
		{"garbage token", "not-a-jwt-token", ErrInvalidToken},
		{"malformed JWT", "header.payload.signature", ErrInvalidToken},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := NewJWTVerifier([]byte("different-secret")).Generate("crm", time.Hour)
				return token
			}(),
			wantErr: ErrInvalidToken,
		},
		{"foreign issuer", sign(t, jwt.SigningMethodHS256, with("iss", "someone-else")), ErrInvalidToken},
		{"missing audience", sign(t, jwt.SigningMethodHS256, without("aud")), ErrInvalidToken},
		{"other audience", sign(t, jwt.SigningMethodHS256, with("aud", "coven-gateway")), ErrInvalidToken},
		{"no expiry", sign(t, jwt.SigningMethodHS256, without("exp")), ErrInvalidToken},
		{"issued in the future", sign(t, jwt.SigningMethodHS256, with("iat", time.Now().Add(time.Hour).Unix())), ErrInvalidToken},
		{"HS512 signed", sign(t, jwt.SigningMethodHS512, apiClaims()), ErrInvalidToken},
		{"missing subject", sign(t, jwt.SigningMethodHS256, without("sub")), ErrMissingClaim},
		{"missing scope", sign(t, jwt.SigningMethodHS256, without("scope")), ErrInsufficientScope},
		{"other scope", sign(t, jwt.SigningMethodHS256, with("scope", "apis admin")), ErrInsufficientScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	// Generate a token that expired 1 hour ago
	token, err := verifier.Generate("crm", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_GenerateRequiresSubject(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	if _, err := verifier.Generate("", time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate() error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_TokensAreDistinct(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	seen := make(map[string]bool)
	for _, subject := range []string{"crm", "erp", "crm"} {
		token, err := verifier.Generate(subject, time.Hour)
		if err != nil {
			t.Fatalf("Generate(%q) error = %v", subject, err)
		}
		claims, err := verifier.Parse(token)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if claims.Subject != subject {
			t.Errorf("Subject = %q, want %q", claims.Subject, subject)
		}
		if seen[claims.ID] {
			t.Errorf("duplicate token ID %q", claims.ID)
		}
		seen[claims.ID] = true
	}
}
