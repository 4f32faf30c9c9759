package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/apigw/pkg/apiml"
)

const jwksRegistrationTimeout = 5 * time.Second

// RemoteKeySetVerifier validates z/OSMF-issued JWTs against the key set
// z/OSMF publishes. The key set is registered lazily so that an unreachable
// z/OSMF does not block gateway startup.
type RemoteKeySetVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	now     func() time.Time

	registrationMu  sync.Mutex
	registered      bool
	registrationErr error
}

// NewRemoteKeySetVerifier creates a verifier for the key set at jwksURL.
func NewRemoteKeySetVerifier(ctx context.Context, jwksURL string, client *http.Client) (*RemoteKeySetVerifier, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: JWKS URL is required", apiml.ErrInvalidConfig)
	}
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteKeySetVerifier{jwksURL: jwksURL, cache: cache, now: time.Now}, nil
}

func (v *RemoteKeySetVerifier) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered && v.registrationErr == nil {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	// a failed registration is retried on the next call
	if err := v.cache.Register(regCtx, v.jwksURL); err != nil {
		v.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.registrationErr = nil
	}
	v.registered = true
	return v.registrationErr
}

func (v *RemoteKeySetVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}

		keySet, err := v.cache.Lookup(ctx, v.jwksURL)
		if err != nil {
			return nil, &keySetError{err: err}
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return rawKey, nil
	}
}

// Validate verifies a z/OSMF token. An unreachable key set yields
// apiml.ErrServiceUnavailable; a bad token yields ErrTokenNotValid or ErrTokenExpired.
func (v *RemoteKeySetVerifier) Validate(ctx context.Context, raw string) (*Claims, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apiml.ErrServiceUnavailable, err)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.keyFunc(ctx),
		jwt.WithIssuer(IssuerZosmf),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		var ksErr *keySetError
		if errors.As(err, &ksErr) {
			return nil, fmt.Errorf("%w: %v", apiml.ErrServiceUnavailable, ksErr.err)
		}
		return nil, classify(err)
	}
	return claims, nil
}

type keySetError struct {
	err error
}

func (e *keySetError) Error() string {
	return "failed to lookup JWKS: " + e.err.Error()
}
