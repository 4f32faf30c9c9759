// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/apigw/pkg/apiml"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	iss, err := NewIssuer(key, "test-key-1", time.Hour)
	require.NoError(t, err)
	return iss
}

func TestIssuer_IssueAndValidate(t *testing.T) {
	t.Parallel()
	iss := newTestIssuer(t)

	raw, err := iss.Issue("USER1")
	require.NoError(t, err)

	claims, err := iss.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "USER1", claims.Subject)
	assert.Equal(t, IssuerAPIML, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.Empty(t, claims.LTPA)
	assert.WithinDuration(t, claims.IssuedAt.Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestIssuer_WithLTPA(t *testing.T) {
	t.Parallel()
	iss := newTestIssuer(t)

	raw, err := iss.Issue("USER1", WithLTPA("ltpa-value", "example.com"))
	require.NoError(t, err)

	claims, err := iss.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "example.com", claims.Domain)
	assert.Equal(t, "ltpa-value", claims.LTPA)
}

func TestIssuer_AsPAT(t *testing.T) {
	t.Parallel()
	iss := newTestIssuer(t)

	raw, err := iss.Issue("USER1", AsPAT("service1", "service2"), WithTTL(24*time.Hour))
	require.NoError(t, err)

	claims, err := iss.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, KindPAT, claims.Kind)
	assert.Equal(t, []string{"service1", "service2"}, claims.Scopes)
	assert.WithinDuration(t, claims.IssuedAt.Add(24*time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestIssuer_IssueRequiresSubject(t *testing.T) {
	t.Parallel()
	_, err := newTestIssuer(t).Issue("")
	assert.ErrorIs(t, err, apiml.ErrUnauthenticated)
}

func TestIssuer_ValidateFailures(t *testing.T) {
	t.Parallel()
	iss := newTestIssuer(t)
	other := newTestIssuer(t)

	foreign, err := other.Issue("USER1")
	require.NoError(t, err)

	past := newTestIssuer(t)
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := past.Issue("USER1")
	require.NoError(t, err)
	// validate with the same key but the real clock
	pastValidator := &Issuer{key: past.key, keyID: past.keyID, ttl: past.ttl, now: time.Now}

	tests := []struct {
		name      string
		validator *Issuer
		raw       string
		want      error
	}{
		{"garbage", iss, "not-a-jwt", apiml.ErrTokenNotValid},
		{"signed by another key", iss, foreign, apiml.ErrTokenNotValid},
		{"expired", pastValidator, expired, apiml.ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.validator.Validate(tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewIssuer_InvalidArguments(t *testing.T) {
	t.Parallel()
	_, err := NewIssuer(nil, "kid", time.Hour)
	assert.ErrorIs(t, err, apiml.ErrInvalidConfig)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = NewIssuer(key, "kid", 0)
	assert.ErrorIs(t, err, apiml.ErrInvalidConfig)
}

func TestIssuer_JWKSHandler(t *testing.T) {
	t.Parallel()
	iss := newTestIssuer(t)

	rec := httptest.NewRecorder()
	iss.JWKSHandler()(rec, httptest.NewRequest(http.MethodGet, "/gateway/api/v1/auth/keys/public/all", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	set, err := jwk.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	key, ok := set.LookupKeyID("test-key-1")
	require.True(t, ok)

	var raw any
	require.NoError(t, jwk.Export(key, &raw))
	pub, ok := raw.(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, iss.key.PublicKey.Equal(pub))
}

func TestPeekClaims(t *testing.T) {
	t.Parallel()
	iss := newTestIssuer(t)
	raw, err := iss.Issue("USER1")
	require.NoError(t, err)

	claims, err := PeekClaims(raw)
	require.NoError(t, err)
	assert.Equal(t, IssuerAPIML, claims.Issuer)

	_, err = PeekClaims("abc")
	assert.ErrorIs(t, err, apiml.ErrTokenNotValid)
}

func TestLoadOrGenerateKey(t *testing.T) {
	t.Parallel()

	key, err := LoadOrGenerateKey("")
	require.NoError(t, err)
	require.NotNil(t, key)

	dir := t.TempDir()
	pkcs1 := filepath.Join(dir, "pkcs1.pem")
	require.NoError(t, os.WriteFile(pkcs1, pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0600))
	loaded, err := LoadOrGenerateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := filepath.Join(dir, "pkcs8.pem")
	require.NoError(t, os.WriteFile(pkcs8, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600))
	loaded, err = LoadOrGenerateKey(pkcs8)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0600))
	_, err = LoadOrGenerateKey(garbage)
	assert.Error(t, err)
}
