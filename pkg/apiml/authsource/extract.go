package authsource

import (
	"net/http"
	"strings"

	"github.com/stacklok/apigw/pkg/apiml/token"
)

// Credential carriers recognized on incoming requests.
const (
	// CookieAuthName is the cookie holding the gateway token.
	CookieAuthName = "apimlAuthenticationToken"
	// CookiePATName is the cookie holding a personal access token.
	CookiePATName = "personalAccessToken"
	// HeaderPAT is the header holding a personal access token.
	HeaderPAT = "PRIVATE-TOKEN"
	// HeaderOIDCToken carries an OIDC token that could not be exchanged.
	HeaderOIDCToken = "OIDC-token"

	bearerPrefix = "Bearer "
)

// Extractor reads the AuthSource from an HTTP request.
//
// Precedence: authentication cookie, personal access token, bearer token,
// client certificate. A bearer token whose issuer is the configured OIDC
// issuer becomes a KindOIDCToken source.
type Extractor struct {
	oidcIssuer string
}

// NewExtractor creates an extractor. oidcIssuer may be empty when OIDC is disabled.
func NewExtractor(oidcIssuer string) *Extractor {
	return &Extractor{oidcIssuer: oidcIssuer}
}

// Extract returns the request's AuthSource, or false when none is present.
func (e *Extractor) Extract(r *http.Request) (AuthSource, bool) {
	if c, err := r.Cookie(CookieAuthName); err == nil && c.Value != "" {
		return NewCookieToken(c.Value), true
	}

	if pat := strings.TrimSpace(r.Header.Get(HeaderPAT)); pat != "" {
		return NewPersonalAccessToken(pat), true
	}
	if c, err := r.Cookie(CookiePATName); err == nil && c.Value != "" {
		return NewPersonalAccessToken(c.Value), true
	}

	if raw, ok := bearerToken(r); ok {
		if e.isOIDC(raw) {
			return NewOIDCToken(raw), true
		}
		return NewBearerToken(raw), true
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return NewClientCertificate(r.TLS.PeerCertificates[0]), true
	}

	return AuthSource{}, false
}

func (e *Extractor) isOIDC(raw string) bool {
	if e.oidcIssuer == "" {
		return false
	}
	claims, err := token.PeekClaims(raw)
	if err != nil {
		return false
	}
	return strings.TrimSuffix(claims.Issuer, "/") == strings.TrimSuffix(e.oidcIssuer, "/")
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	return raw, raw != ""
}
