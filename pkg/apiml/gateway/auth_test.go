package gateway_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/gateway"
	"github.com/stacklok/apigw/pkg/apiml/token"
	"github.com/stacklok/apigw/pkg/apiml/zaas"
)

type authFixture struct {
	issuer  *token.Issuer
	revoked *authsource.MemoryRevocationStore
	routes  http.Handler
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer, err := token.NewIssuer(key, "test", time.Hour)
	require.NoError(t, err)

	revoked := authsource.NewMemoryRevocationStore()
	svc, err := authsource.NewService(authsource.NewTokenHandler(issuer, nil, revoked))
	require.NoError(t, err)

	return &authFixture{
		issuer:  issuer,
		revoked: revoked,
		routes:  gateway.NewAuthRoutes(svc, authsource.NewExtractor(""), revoked, issuer).Router(),
	}
}

func (f *authFixture) call(method, path, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: authsource.CookieAuthName, Value: cookie})
	}
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	return rec
}

func TestAuthRoutes_LogoutRevokesToken(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	raw, err := f.issuer.Issue("USER1")
	require.NoError(t, err)

	rec := f.call(http.MethodGet, "/query", raw)
	require.Equal(t, http.StatusOK, rec.Code)
	var q struct {
		UserID     string     `json:"userId"`
		Expiration *time.Time `json:"expiration"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&q))
	assert.Equal(t, "USER1", q.UserID)
	assert.NotNil(t, q.Expiration)

	rec = f.call(http.MethodPost, "/logout", raw)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, authsource.CookieAuthName, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)

	claims, err := token.PeekClaims(raw)
	require.NoError(t, err)
	revoked, err := f.revoked.IsRevoked(t.Context(), authsource.TokenID(claims.ID, raw))
	require.NoError(t, err)
	assert.True(t, revoked)

	rec = f.call(http.MethodGet, "/query", raw)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, zaas.MsgTokenNotValid, decodeMessage(t, rec).MessageNumber)

	rec = f.call(http.MethodPost, "/logout", raw)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a revoked token cannot log out twice")
}

func TestAuthRoutes_Rejections(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)

	rec := f.call(http.MethodPost, "/logout", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, zaas.MsgAuthRequired, decodeMessage(t, rec).MessageNumber)

	rec = f.call(http.MethodPost, "/logout", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, zaas.MsgTokenNotValid, decodeMessage(t, rec).MessageNumber)

	rec = f.call(http.MethodGet, "/query", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRoutes_PublicKeys(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	rec := f.call(http.MethodGet, "/keys/public/all", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
	assert.Equal(t, "test", set.Keys[0]["kid"])
}
