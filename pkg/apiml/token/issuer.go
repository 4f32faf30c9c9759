// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and validates the gateway's internally signed JWTs and
// verifies tokens issued by z/OSMF.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/logger"
)

const (
	// IssuerAPIML marks tokens signed by the gateway.
	IssuerAPIML = "APIML"

	// IssuerZosmf marks tokens signed by z/OSMF.
	IssuerZosmf = "zOSMF"

	// KindPAT marks personal access tokens.
	KindPAT = "pat"

	rsaKeyBits = 2048
)

// Claims are the claims carried by internal tokens.
type Claims struct {
	// Domain is the security domain (SAF realm) of an embedded LTPA token.
	Domain string `json:"dom,omitempty"`
	// LTPA is a wrapped z/OSMF LTPA token.
	LTPA string `json:"ltpa,omitempty"`
	// Kind is empty for session tokens and "pat" for personal access tokens.
	Kind   string   `json:"knd,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// IssueOption customizes a token being minted.
type IssueOption func(*Claims)

// WithLTPA embeds a z/OSMF LTPA token and the domain that issued it.
func WithLTPA(ltpa, domain string) IssueOption {
	return func(c *Claims) {
		c.LTPA = ltpa
		c.Domain = domain
	}
}

// AsPAT marks the token as a personal access token limited to scopes.
func AsPAT(scopes ...string) IssueOption {
	return func(c *Claims) {
		c.Kind = KindPAT
		c.Scopes = scopes
	}
}

// WithTTL overrides the default lifetime.
func WithTTL(ttl time.Duration) IssueOption {
	return func(c *Claims) {
		if c.IssuedAt != nil {
			c.ExpiresAt = jwt.NewNumericDate(c.IssuedAt.Add(ttl))
		}
	}
}

// Issuer mints and validates RS256 tokens with the gateway's signing key.
type Issuer struct {
	key   *rsa.PrivateKey
	keyID string
	ttl   time.Duration
	now   func() time.Time
}

// NewIssuer creates an issuer. ttl is the default token lifetime.
func NewIssuer(key *rsa.PrivateKey, keyID string, ttl time.Duration) (*Issuer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: signing key is required", apiml.ErrInvalidConfig)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: token ttl must be positive", apiml.ErrInvalidConfig)
	}
	return &Issuer{key: key, keyID: keyID, ttl: ttl, now: time.Now}, nil
}

// LoadOrGenerateKey reads a PEM encoded RSA private key (PKCS#1 or PKCS#8)
// from path. An empty path yields a fresh ephemeral key.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("No signing key configured, generating an ephemeral key; tokens will not survive a restart")
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not an RSA key", path)
	}
	return key, nil
}

// Issue mints a token for user.
func (i *Issuer) Issue(user string, opts ...IssueOption) (string, error) {
	if user == "" {
		return "", fmt.Errorf("%w: cannot issue a token without a subject", apiml.ErrUnauthenticated)
	}

	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			Issuer:    IssuerAPIML,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	for _, opt := range opts {
		opt(claims)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.keyID
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer and expiry of an internal token.
func (i *Issuer) Validate(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return &i.key.PublicKey, nil
	},
		jwt.WithIssuer(IssuerAPIML),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}
	return claims, nil
}

// JWKSet returns the public signing key as a JWK set.
func (i *Issuer) JWKSet() (jwk.Set, error) {
	key, err := jwk.Import(&i.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, i.keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("failed to add key to set: %w", err)
	}
	return set, nil
}

// JWKSHandler serves the public key set.
func (i *Issuer) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		set, err := i.JWKSet()
		if err != nil {
			logger.Errorf("Failed to build JWK set: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(set); err != nil {
			logger.Warnf("Failed to write JWK set: %v", err)
		}
	}
}

// PeekClaims decodes claims without verifying the signature. Use it only to
// decide which verifier applies.
func PeekClaims(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", apiml.ErrTokenNotValid, err)
	}
	return claims, nil
}

func classify(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", apiml.ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %v", apiml.ErrTokenNotValid, err)
}
