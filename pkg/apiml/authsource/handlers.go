package authsource

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/token"
)

// InternalTokens mints and validates gateway tokens. *token.Issuer implements it.
type InternalTokens interface {
	Issue(user string, opts ...token.IssueOption) (string, error)
	Validate(raw string) (*token.Claims, error)
}

// ZosmfTokens validates z/OSMF-issued tokens. *token.RemoteKeySetVerifier implements it.
type ZosmfTokens interface {
	Validate(ctx context.Context, raw string) (*token.Claims, error)
}

// OIDCVerifier verifies OIDC access tokens. *oidc.IDTokenVerifier implements it.
type OIDCVerifier interface {
	Verify(ctx context.Context, raw string) (*oidc.IDToken, error)
}

// TokenHandler serves cookie and bearer tokens issued by the gateway or by z/OSMF.
type TokenHandler struct {
	internal InternalTokens
	zosmf    ZosmfTokens
	revoked  RevocationStore
}

// NewTokenHandler creates a handler. zosmf may be nil when z/OSMF tokens
// are not accepted.
func NewTokenHandler(internal InternalTokens, zosmf ZosmfTokens, revoked RevocationStore) *TokenHandler {
	return &TokenHandler{internal: internal, zosmf: zosmf, revoked: revoked}
}

// Kinds implements Handler.
func (*TokenHandler) Kinds() []Kind {
	return []Kind{KindCookieToken, KindBearerToken}
}

func (h *TokenHandler) validate(ctx context.Context, raw string) (*token.Claims, Origin, error) {
	peek, err := token.PeekClaims(raw)
	if err != nil {
		return nil, "", err
	}

	switch peek.Issuer {
	case token.IssuerAPIML:
		claims, err := h.internal.Validate(raw)
		if err != nil {
			return nil, "", err
		}
		if claims.Kind == token.KindPAT {
			return nil, "", fmt.Errorf("%w: personal access token used as a session token", apiml.ErrTokenNotValid)
		}
		return claims, OriginZowe, nil
	case token.IssuerZosmf:
		if h.zosmf == nil {
			return nil, "", fmt.Errorf("%w: z/OSMF tokens are not accepted", apiml.ErrTokenNotValid)
		}
		claims, err := h.zosmf.Validate(ctx, raw)
		if err != nil {
			return nil, "", err
		}
		return claims, OriginZosmf, nil
	default:
		return nil, "", fmt.Errorf("%w: unknown issuer %q", apiml.ErrTokenNotValid, peek.Issuer)
	}
}

// IsValid implements Service.
func (h *TokenHandler) IsValid(ctx context.Context, src AuthSource) (bool, error) {
	claims, _, err := h.validate(ctx, src.Raw())
	if err != nil {
		return validityFromError(err)
	}
	return notRevoked(ctx, h.revoked, claims.ID, src.Raw())
}

// Parse implements Service.
func (h *TokenHandler) Parse(ctx context.Context, src AuthSource) (*Parsed, error) {
	claims, origin, err := h.validate(ctx, src.Raw())
	if err != nil {
		return nil, err
	}
	return parsedFromClaims(claims, origin), nil
}

// GetJWT implements Service. Gateway and z/OSMF tokens are already the
// canonical form and are returned unchanged.
func (h *TokenHandler) GetJWT(ctx context.Context, src AuthSource) (string, error) {
	claims, _, err := h.validate(ctx, src.Raw())
	if err != nil {
		return "", err
	}
	if err := requireNotRevoked(ctx, h.revoked, claims.ID, src.Raw()); err != nil {
		return "", err
	}
	return src.Raw(), nil
}

// PATHandler serves personal access tokens.
type PATHandler struct {
	internal InternalTokens
	revoked  RevocationStore
}

// NewPATHandler creates a handler for personal access tokens.
func NewPATHandler(internal InternalTokens, revoked RevocationStore) *PATHandler {
	return &PATHandler{internal: internal, revoked: revoked}
}

// Kinds implements Handler.
func (*PATHandler) Kinds() []Kind {
	return []Kind{KindPersonalAccessToken}
}

func (h *PATHandler) validate(raw string) (*token.Claims, error) {
	claims, err := h.internal.Validate(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != token.KindPAT {
		return nil, fmt.Errorf("%w: not a personal access token", apiml.ErrTokenNotValid)
	}
	return claims, nil
}

// IsValid implements Service.
func (h *PATHandler) IsValid(ctx context.Context, src AuthSource) (bool, error) {
	claims, err := h.validate(src.Raw())
	if err != nil {
		return validityFromError(err)
	}
	return notRevoked(ctx, h.revoked, claims.ID, src.Raw())
}

// Parse implements Service.
func (h *PATHandler) Parse(_ context.Context, src AuthSource) (*Parsed, error) {
	claims, err := h.validate(src.Raw())
	if err != nil {
		return nil, err
	}
	return parsedFromClaims(claims, OriginPAT), nil
}

// GetJWT implements Service by minting a session token for the PAT owner.
func (h *PATHandler) GetJWT(ctx context.Context, src AuthSource) (string, error) {
	claims, err := h.validate(src.Raw())
	if err != nil {
		return "", err
	}
	if err := requireNotRevoked(ctx, h.revoked, claims.ID, src.Raw()); err != nil {
		return "", err
	}
	return h.internal.Issue(claims.Subject)
}

// OIDCHandler serves access tokens from an external OIDC provider. Their
// subject is mapped to a mainframe user.
type OIDCHandler struct {
	verifier OIDCVerifier
	mapper   IdentityMapper
	internal InternalTokens
}

// NewOIDCHandler creates a handler for OIDC access tokens.
func NewOIDCHandler(verifier OIDCVerifier, mapper IdentityMapper, internal InternalTokens) *OIDCHandler {
	return &OIDCHandler{verifier: verifier, mapper: mapper, internal: internal}
}

// Kinds implements Handler.
func (*OIDCHandler) Kinds() []Kind {
	return []Kind{KindOIDCToken}
}

func (h *OIDCHandler) verify(ctx context.Context, raw string) (*oidc.IDToken, error) {
	idToken, err := h.verifier.Verify(ctx, raw)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, fmt.Errorf("%w: %v", apiml.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", apiml.ErrTokenNotValid, err)
	}
	return idToken, nil
}

// IsValid implements Service. A valid token without a mapped user is still valid.
func (h *OIDCHandler) IsValid(ctx context.Context, src AuthSource) (bool, error) {
	if _, err := h.verify(ctx, src.Raw()); err != nil {
		return validityFromError(err)
	}
	return true, nil
}

// Parse implements Service.
func (h *OIDCHandler) Parse(ctx context.Context, src AuthSource) (*Parsed, error) {
	idToken, err := h.verify(ctx, src.Raw())
	if err != nil {
		return nil, err
	}
	user, _ := h.mapper.MapToMainframe(ctx, idToken.Subject)
	return &Parsed{
		UserID:        user,
		IssuedAt:      timePtr(idToken.IssuedAt),
		ExpiresAt:     timePtr(idToken.Expiry),
		Origin:        OriginOIDC,
		DistributedID: idToken.Subject,
	}, nil
}

// GetJWT implements Service.
func (h *OIDCHandler) GetJWT(ctx context.Context, src AuthSource) (string, error) {
	idToken, err := h.verify(ctx, src.Raw())
	if err != nil {
		return "", err
	}
	user, ok := h.mapper.MapToMainframe(ctx, idToken.Subject)
	if !ok {
		return "", &NoMainframeIdentityError{DistributedID: idToken.Subject, TokenValid: true}
	}
	return h.internal.Issue(user)
}

// X509Handler serves TLS client certificates. The certificate common name
// is mapped to a mainframe user.
type X509Handler struct {
	roots    *x509.CertPool
	mapper   IdentityMapper
	internal InternalTokens
	now      func() time.Time
}

// NewX509Handler creates a handler. roots may be nil when the TLS layer
// already verified the chain.
func NewX509Handler(roots *x509.CertPool, mapper IdentityMapper, internal InternalTokens) *X509Handler {
	return &X509Handler{roots: roots, mapper: mapper, internal: internal, now: time.Now}
}

// Kinds implements Handler.
func (*X509Handler) Kinds() []Kind {
	return []Kind{KindClientCertificate}
}

func (h *X509Handler) verify(cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("%w: no client certificate", apiml.ErrTokenNotValid)
	}
	now := h.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: client certificate outside its validity period", apiml.ErrTokenExpired)
	}
	if h.roots == nil {
		return nil
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       h.roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apiml.ErrTokenNotValid, err)
	}
	return nil
}

// IsValid implements Service.
func (h *X509Handler) IsValid(_ context.Context, src AuthSource) (bool, error) {
	if err := h.verify(src.Certificate()); err != nil {
		return validityFromError(err)
	}
	return true, nil
}

// Parse implements Service.
func (h *X509Handler) Parse(ctx context.Context, src AuthSource) (*Parsed, error) {
	cert := src.Certificate()
	if err := h.verify(cert); err != nil {
		return nil, err
	}
	cn := cert.Subject.CommonName
	user, _ := h.mapper.MapToMainframe(ctx, cn)
	return &Parsed{
		UserID:        user,
		IssuedAt:      timePtr(cert.NotBefore),
		ExpiresAt:     timePtr(cert.NotAfter),
		Origin:        OriginX509,
		DistributedID: cn,
	}, nil
}

// GetJWT implements Service.
func (h *X509Handler) GetJWT(ctx context.Context, src AuthSource) (string, error) {
	cert := src.Certificate()
	if err := h.verify(cert); err != nil {
		return "", err
	}
	user, ok := h.mapper.MapToMainframe(ctx, cert.Subject.CommonName)
	if !ok {
		return "", &NoMainframeIdentityError{DistributedID: cert.Subject.CommonName, TokenValid: true}
	}
	return h.internal.Issue(user)
}

// validityFromError turns a validation failure into an IsValid result:
// infrastructure failures propagate, everything else is simply invalid.
func validityFromError(err error) (bool, error) {
	if errors.Is(err, apiml.ErrServiceUnavailable) {
		return false, err
	}
	return false, nil
}

func notRevoked(ctx context.Context, store RevocationStore, jti, raw string) (bool, error) {
	if store == nil {
		return true, nil
	}
	revoked, err := store.IsRevoked(ctx, TokenID(jti, raw))
	if err != nil {
		if !errors.Is(err, apiml.ErrServiceUnavailable) {
			err = fmt.Errorf("%w: %v", apiml.ErrServiceUnavailable, err)
		}
		return false, err
	}
	return !revoked, nil
}

func requireNotRevoked(ctx context.Context, store RevocationStore, jti, raw string) error {
	ok, err := notRevoked(ctx, store, jti, raw)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: token was revoked", apiml.ErrTokenNotValid)
	}
	return nil
}

func parsedFromClaims(c *token.Claims, origin Origin) *Parsed {
	p := &Parsed{UserID: c.Subject, Origin: origin}
	if c.IssuedAt != nil {
		p.IssuedAt = timePtr(c.IssuedAt.Time)
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = timePtr(c.ExpiresAt.Time)
	}
	return p
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
