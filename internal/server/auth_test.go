package server_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"PredictLedger/internal/market"
	"PredictLedger/internal/server"

	"github.com/golang-jwt/jwt/v5"
)

func signHS(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func claimsFor(sub string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "predict-auth",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func principalOf(t *testing.T, a server.Authenticator, authz string) (market.Principal, error) {
	t.Helper()
	r := httptest.NewRequest("POST", "/v1/markets", nil)
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	return a.Principal(r)
}

// =============================================================================
// Test: header authenticator
// =============================================================================

func TestHeaderAuth(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/markets", nil)
	if _, err := (server.HeaderAuth{}).Principal(r); !errors.Is(err, server.ErrUnauthenticated) {
		t.Fatalf("missing header: got %v, want ErrUnauthenticated", err)
	}

	r.Header.Set(server.PrincipalHeader, "  alice ")
	p, err := (server.HeaderAuth{}).Principal(r)
	if err != nil {
		t.Fatalf("principal: %v", err)
	}
	if p != "alice" {
		t.Errorf("principal: got %q, want alice", p)
	}
}

// =============================================================================
// Test: HS256 tokens
// =============================================================================

func TestJWTAuth_HMAC(t *testing.T) {
	a, err := server.NewJWTAuth("", "s3cret", "predict-auth")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	p, err := principalOf(t, a, "Bearer "+signHS(t, "s3cret", claimsFor("bob", time.Hour)))
	if err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if p != "bob" {
		t.Errorf("principal: got %q, want bob", p)
	}

	cases := []struct {
		name  string
		authz string
	}{
		{"missing", ""},
		{"not bearer", "Basic Ym9iOnB3"},
		{"wrong secret", "Bearer " + signHS(t, "other", claimsFor("bob", time.Hour))},
		{"expired", "Bearer " + signHS(t, "s3cret", claimsFor("bob", -time.Hour))},
		{"no subject", "Bearer " + signHS(t, "s3cret", claimsFor("", time.Hour))},
		{"garbage", "Bearer not.a.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := principalOf(t, a, tc.authz); !errors.Is(err, server.ErrUnauthenticated) {
				t.Errorf("got %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestJWTAuth_IssuerMismatch(t *testing.T) {
	a, err := server.NewJWTAuth("", "s3cret", "someone-else")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := principalOf(t, a, "Bearer "+signHS(t, "s3cret", claimsFor("bob", time.Hour))); !errors.Is(err, server.ErrUnauthenticated) {
		t.Errorf("got %v, want ErrUnauthenticated", err)
	}
}

// =============================================================================
// Test: RS256 tokens
// =============================================================================

func TestJWTAuth_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	a, err := server.NewJWTAuth(pubPEM, "", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsFor("carol", time.Hour)).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := principalOf(t, a, "Bearer "+signed)
	if err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if p != "carol" {
		t.Errorf("principal: got %q, want carol", p)
	}

	// An HS256 token must not pass an RS256 verifier.
	if _, err := principalOf(t, a, "Bearer "+signHS(t, pubPEM, claimsFor("carol", time.Hour))); !errors.Is(err, server.ErrUnauthenticated) {
		t.Errorf("alg confusion: got %v, want ErrUnauthenticated", err)
	}
}

func TestNewJWTAuth_Config(t *testing.T) {
	if _, err := server.NewJWTAuth("", "", ""); err == nil {
		t.Error("no key: want error")
	}
	if _, err := server.NewJWTAuth("pem", "secret", ""); err == nil {
		t.Error("both keys: want error")
	}
	if _, err := server.NewJWTAuth("not pem", "", ""); err == nil {
		t.Error("bad pem: want error")
	}
}
