package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/apigw/pkg/api/errors"
	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/token"
	"github.com/stacklok/apigw/pkg/apiml/zaas"
	"github.com/stacklok/apigw/pkg/logger"
)

// revocationFallback bounds revocation entries for tokens without an expiry.
const revocationFallback = 24 * time.Hour

// AuthRoutes serves the gateway's session endpoints.
type AuthRoutes struct {
	service   authsource.Service
	extractor *authsource.Extractor
	revoked   authsource.RevocationStore
	issuer    *token.Issuer
	now       func() time.Time
}

// NewAuthRoutes creates the session endpoints.
func NewAuthRoutes(
	service authsource.Service,
	extractor *authsource.Extractor,
	revoked authsource.RevocationStore,
	issuer *token.Issuer,
) *AuthRoutes {
	return &AuthRoutes{
		service:   service,
		extractor: extractor,
		revoked:   revoked,
		issuer:    issuer,
		now:       time.Now,
	}
}

// Router returns the session routes.
func (a *AuthRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/logout", apierrors.ErrorHandler(a.logout))
	r.Get("/query", apierrors.ErrorHandler(a.query))
	if a.issuer != nil {
		r.Get("/keys/public/all", a.issuer.JWKSHandler())
	}
	return r
}

// logout
//
//	@Summary	Invalidate the caller's gateway token
//	@Success	204
//	@Failure	401	{object}	apierrors.Envelope
//	@Router		/gateway/api/v1/auth/logout [post]
func (a *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) error {
	src, ok := a.extractor.Extract(r)
	if !ok {
		return zaas.ErrorFor(apiml.ErrUnauthenticated)
	}
	switch src.Kind() {
	case authsource.KindCookieToken, authsource.KindBearerToken, authsource.KindPersonalAccessToken:
	default:
		return httperr.WithCode(
			errors.New("only gateway tokens can be invalidated"), http.StatusBadRequest)
	}

	valid, err := a.service.IsValid(r.Context(), src)
	if err != nil {
		return zaas.ErrorFor(err)
	}
	if !valid {
		return zaas.ErrorFor(apiml.ErrTokenNotValid)
	}

	claims, err := token.PeekClaims(src.Raw())
	if err != nil {
		return zaas.ErrorFor(err)
	}
	until := a.now().Add(revocationFallback)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	if err := a.revoked.Revoke(r.Context(), authsource.TokenID(claims.ID, src.Raw()), until); err != nil {
		return zaas.ErrorFor(err)
	}
	logger.Infow("token invalidated", "user", claims.Subject, "kind", string(src.Kind()))

	http.SetCookie(w, &http.Cookie{
		Name:     authsource.CookieAuthName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type queryResponse struct {
	UserID     string     `json:"userId"`
	Creation   *time.Time `json:"creation,omitempty"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

// query
//
//	@Summary	Describe the caller's identity
//	@Produce	json
//	@Success	200	{object}	queryResponse
//	@Failure	401	{object}	apierrors.Envelope
//	@Router		/gateway/api/v1/auth/query [get]
func (a *AuthRoutes) query(w http.ResponseWriter, r *http.Request) error {
	src, ok := a.extractor.Extract(r)
	if !ok {
		return zaas.ErrorFor(apiml.ErrUnauthenticated)
	}
	valid, err := a.service.IsValid(r.Context(), src)
	if err != nil {
		return zaas.ErrorFor(err)
	}
	if !valid {
		return zaas.ErrorFor(apiml.ErrTokenNotValid)
	}
	parsed, err := a.service.Parse(r.Context(), src)
	if err != nil {
		return zaas.ErrorFor(err)
	}
	if !parsed.Authenticated() {
		return zaas.ErrorFor(&authsource.NoMainframeIdentityError{DistributedID: parsed.DistributedID})
	}
	return writeJSON(w, queryResponse{
		UserID:     parsed.UserID,
		Creation:   parsed.IssuedAt,
		Expiration: parsed.ExpiresAt,
	})
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
	return nil
}
