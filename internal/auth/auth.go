// Package auth supplies the caller identity the rest of the gateway keys on.
// Verification of real credentials is an external concern; this package ships
// a bearer-token authenticator good enough for development, tests and
// deployments that terminate identity at a fronting proxy.
package auth

import (
	"errors"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims is what downstream code may rely on: who called, and which
// organization the call acts for. OrgID partitions every tenant-scoped
// surface (deal visibility, idempotency scope keys, rate limits).
type Claims struct {
	Subject string
	OrgID   string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator resolves static bearer tokens to claims. Tokens are
// registered at startup; there is no mutation after that, so reads need no
// locking.
type TokenAuthenticator struct {
	tokens map[string]Claims
}

func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{tokens: make(map[string]Claims)}
}

// NewAuthenticatorFromEnv registers FINCORE_DEV_TOKEN as a development
// principal when set.
func NewAuthenticatorFromEnv() *TokenAuthenticator {
	a := NewTokenAuthenticator()
	if token := os.Getenv("FINCORE_DEV_TOKEN"); token != "" {
		a.Register(token, Claims{Subject: "dev", OrgID: "org-dev"})
	}
	return a
}

// Register binds a bearer token to claims. Call before serving requests.
func (a *TokenAuthenticator) Register(token string, claims Claims) {
	claims.Token = token
	a.tokens[token] = claims
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	claims, ok := a.tokens[bearer]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
