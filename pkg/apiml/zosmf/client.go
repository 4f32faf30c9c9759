// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package zosmf is a client of the z/OSMF authentication services.
package zosmf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/logger"
)

const (
	// CookieJWT is the cookie carrying a z/OSMF JWT.
	CookieJWT = "jwtToken"
	// CookieLTPA is the cookie carrying a z/OSMF LTPA token.
	CookieLTPA = "LtpaToken2"

	// DefaultAuthEndpoint is the z/OSMF login endpoint.
	DefaultAuthEndpoint = "/zosmf/services/authenticate"
	// DefaultInfoEndpoint describes the z/OSMF instance.
	DefaultInfoEndpoint = "/zosmf/info"

	csrfHeader          = "X-CSRF-ZOSMF-HEADER"
	realmField          = "zosmf_saf_realm"
	instrumentationName = "github.com/stacklok/apigw/pkg/apiml/zosmf"

	defaultHTTPTimeout     = 30 * time.Second
	defaultInitialInterval = 250 * time.Millisecond
	maxResponseBodySize    = 1 << 20
)

// Tokens are the tokens z/OSMF issued on login. Either may be empty.
type Tokens struct {
	JWT  string
	LTPA string
}

// String implements fmt.Stringer without exposing the token values.
func (t Tokens) String() string {
	return fmt.Sprintf("Tokens{JWT: %s, LTPA: %s}", redact(t.JWT), redact(t.LTPA))
}

func redact(v string) string {
	if v == "" {
		return "<empty>"
	}
	return "[REDACTED]"
}

// Client talks to one z/OSMF instance.
type Client struct {
	baseURL         string
	authEndpoint    string
	infoEndpoint    string
	httpClient      *http.Client
	limiter         *rate.Limiter
	maxRetries      int
	initialInterval time.Duration
	metrics         *metrics.Metrics
	tracer          trace.Tracer

	realmGroup singleflight.Group
	realmMu    sync.RWMutex
	realm      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithEndpoints overrides the login and info endpoint paths.
func WithEndpoints(auth, info string) Option {
	return func(cl *Client) {
		if auth != "" {
			cl.authEndpoint = auth
		}
		if info != "" {
			cl.infoEndpoint = info
		}
	}
}

// WithMaxRetries sets how often a transport failure is retried.
func WithMaxRetries(n int) Option {
	return func(cl *Client) {
		if n >= 0 {
			cl.maxRetries = n
		}
	}
}

// WithRateLimit limits requests to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics records call latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cl *Client) {
		if tp != nil {
			cl.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// NewClient creates a client for the z/OSMF instance at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: z/OSMF URL is required", apiml.ErrInvalidConfig)
	}
	c := &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		authEndpoint:    DefaultAuthEndpoint,
		infoEndpoint:    DefaultInfoEndpoint,
		httpClient:      &http.Client{Timeout: defaultHTTPTimeout},
		limiter:         rate.NewLimiter(rate.Inf, 0),
		initialInterval: defaultInitialInterval,
		tracer:          otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authenticate logs in to z/OSMF with basic credentials and returns the
// issued tokens. Rejected credentials yield apiml.ErrBadCredentials, an
// unreachable or failing z/OSMF yields apiml.ErrServiceUnavailable.
func (c *Client) Authenticate(ctx context.Context, user, password string) (*Tokens, error) {
	ctx, span := c.tracer.Start(ctx, "zosmf.authenticate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, _, err := c.do(ctx, "authenticate", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.authEndpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(user, password)
		return req, nil
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	tokens := &Tokens{}
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case CookieJWT:
			tokens.JWT = ck.Value
		case CookieLTPA:
			tokens.LTPA = ck.Value
		}
	}
	span.SetAttributes(
		attribute.Bool("zosmf.jwt", tokens.JWT != ""),
		attribute.Bool("zosmf.ltpa", tokens.LTPA != ""),
	)
	return tokens, nil
}

// Realm returns the SAF realm z/OSMF reports. The value is fetched once and
// concurrent first calls share one request.
func (c *Client) Realm(ctx context.Context) (string, error) {
	c.realmMu.RLock()
	realm := c.realm
	c.realmMu.RUnlock()
	if realm != "" {
		return realm, nil
	}

	v, err, _ := c.realmGroup.Do("realm", func() (any, error) {
		c.realmMu.RLock()
		cached := c.realm
		c.realmMu.RUnlock()
		if cached != "" {
			return cached, nil
		}

		fetched, err := c.fetchRealm(ctx)
		if err != nil {
			return "", err
		}
		c.realmMu.Lock()
		c.realm = fetched
		c.realmMu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchRealm(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "zosmf.info", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	_, body, err := c.do(ctx, "info", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.infoEndpoint, nil)
	})
	if err != nil {
		recordError(span, err)
		return "", err
	}

	realm := gjson.GetBytes(body, realmField)
	if !realm.Exists() || realm.String() == "" {
		err := fmt.Errorf("z/OSMF info response has no %s field", realmField)
		recordError(span, err)
		return "", err
	}
	return realm.String(), nil
}

// do sends the request built by newReq, retrying transport failures and 5xx
// responses with exponential backoff.
func (c *Client) do(
	ctx context.Context,
	endpoint string,
	newReq func(context.Context) (*http.Request, error),
) (*http.Response, []byte, error) {
	type result struct {
		resp *http.Response
		body []byte
	}

	attempt := 0
	operation := func() (result, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return result{}, backoff.Permanent(err)
		}

		req, err := newReq(ctx)
		if err != nil {
			return result{}, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set(csrfHeader, "")
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.ObserveZosmf(endpoint, "unreachable", time.Since(start))
			if ctx.Err() != nil {
				return result{}, backoff.Permanent(ctx.Err())
			}
			logger.Debugf("z/OSMF %s attempt %d failed: %v", endpoint, attempt, err)
			return result{}, fmt.Errorf("%w: z/OSMF %s: %v", apiml.ErrServiceUnavailable, endpoint, err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logger.Debugf("Failed to close z/OSMF response body: %v", err)
			}
		}()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			c.metrics.ObserveZosmf(endpoint, "unreachable", time.Since(start))
			return result{}, fmt.Errorf("%w: z/OSMF %s: failed to read response: %v", apiml.ErrServiceUnavailable, endpoint, err)
		}

		outcome, err := classifyStatus(endpoint, resp.StatusCode)
		c.metrics.ObserveZosmf(endpoint, outcome, time.Since(start))
		if err != nil {
			if errors.Is(err, apiml.ErrServiceUnavailable) {
				return result{}, err
			}
			return result{}, backoff.Permanent(err)
		}
		return result{resp: resp, body: body}, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries+1)), // #nosec G115 -- maxRetries is validated non-negative
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Retrying z/OSMF %s in %v: %v", endpoint, d, err)
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return res.resp, res.body, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 20 * c.initialInterval
	b.Reset()
	return b
}

func classifyStatus(endpoint string, status int) (string, error) {
	switch {
	case status >= 200 && status <= 299:
		return "ok", nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "rejected", fmt.Errorf("%w: z/OSMF %s returned status %d", apiml.ErrBadCredentials, endpoint, status)
	case status >= 500:
		return "error", fmt.Errorf("%w: z/OSMF %s returned status %d", apiml.ErrServiceUnavailable, endpoint, status)
	default:
		return "error", fmt.Errorf("z/OSMF %s returned unexpected status %d", endpoint, status)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
