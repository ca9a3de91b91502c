package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"PredictLedger/internal/market"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator extracts the calling principal from a request.
type Authenticator interface {
	Principal(r *http.Request) (market.Principal, error)
}

// HeaderAuth trusts the X-Principal header, which an upstream gateway sets
// after authenticating the caller.
type HeaderAuth struct{}

func (HeaderAuth) Principal(r *http.Request) (market.Principal, error) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrUnauthenticated, PrincipalHeader)
	}
	return market.Principal(p), nil
}

// JWTAuth verifies a bearer token and uses its subject as the principal.
// Exactly one of the RSA public key (RS256) or the shared secret (HS256) is
// configured.
type JWTAuth struct {
	publicKey *rsa.PublicKey
	secret    []byte
	issuer    string
	leeway    time.Duration
}

// NewJWTAuth builds a verifier from a PEM public key or an HMAC secret.
func NewJWTAuth(publicKeyPEM, secret, issuer string) (*JWTAuth, error) {
	switch {
	case publicKeyPEM != "" && secret != "":
		return nil, errors.New("jwt: configure either a public key or a secret, not both")
	case publicKeyPEM != "":
		key, err := parseRSAPublic(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("jwt: parse public key: %w", err)
		}
		return &JWTAuth{publicKey: key, issuer: issuer, leeway: 30 * time.Second}, nil
	case secret != "":
		return &JWTAuth{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
	default:
		return nil, errors.New("jwt: a public key or a secret is required")
	}
}

func (a *JWTAuth) Principal(r *http.Request) (market.Principal, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	method := jwt.SigningMethodHS256.Alg()
	if a.publicKey != nil {
		method = jwt.SigningMethodRS256.Alg()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		if a.publicKey != nil {
			return a.publicKey, nil
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return market.Principal(claims.Subject), nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
