package zaas

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/apigw/pkg/api/errors"
	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/logger"
)

const (
	defaultExchangeTimeout = 30 * time.Second
	maxRequestBodySize     = 64 << 10
)

type applicationRequest struct {
	ApplicationName string `json:"applicationName"`
}

type ticketResponse struct {
	Ticket          string `json:"ticket"`
	UserID          string `json:"userId"`
	ApplicationName string `json:"applicationName"`
}

// String implements fmt.Stringer without exposing the ticket.
func (t ticketResponse) String() string {
	return "ticketResponse{UserID: " + t.UserID + ", ApplicationName: " + t.ApplicationName + ", Ticket: [REDACTED]}"
}

type tokenResponseBody struct {
	CookieName string `json:"cookieName"`
	HeaderName string `json:"headerName,omitempty"`
	Token      string `json:"token"`
}

// Controller serves the credential exchange endpoints.
type Controller struct {
	registry  *Registry
	service   authsource.Service
	extractor *authsource.Extractor
	metrics   *metrics.Metrics
	timeout   time.Duration
}

// NewController creates a controller. timeout bounds each exchange; zero
// selects 30 seconds.
func NewController(
	registry *Registry,
	service authsource.Service,
	extractor *authsource.Extractor,
	m *metrics.Metrics,
	timeout time.Duration,
) *Controller {
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &Controller{registry: registry, service: service, extractor: extractor, metrics: m, timeout: timeout}
}

// Router returns the routes, to be mounted at /gateway/zaas.
func (c *Controller) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(c.Authenticate)
	r.Post("/ticket", c.handle(SchemePassTicket, c.ticket))
	r.Post("/safIdt", c.handle(SchemeSafIdt, c.safIdt))
	r.Post("/zosmf", c.handle(SchemeZosmf, c.zosmf))
	r.Post("/zoweJwt", c.handle(SchemeZoweJwt, c.zoweJwt))
	return r
}

// Authenticate attaches the validated AuthSource and its parsed identity
// to the request context. A source already attached upstream is reused.
func (c *Controller) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src, parsed, ok := authsource.FromContext(r.Context())
		if !ok || src.IsZero() {
			src, ok = c.extractor.Extract(r)
		}
		if !ok {
			apierrors.WriteError(w, r, ErrorFor(apiml.ErrUnauthenticated))
			return
		}

		valid, err := c.service.IsValid(r.Context(), src)
		if err != nil {
			apierrors.WriteError(w, r, ErrorFor(err))
			return
		}
		if !valid {
			apierrors.WriteError(w, r, ErrorFor(apiml.ErrTokenNotValid))
			return
		}

		if parsed == nil {
			parsed, err = c.service.Parse(r.Context(), src)
			if err != nil {
				apierrors.WriteError(w, r, ErrorFor(err))
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(authsource.WithAuthSource(r.Context(), src, parsed)))
	})
}

type exchangeHandler func(w http.ResponseWriter, r *http.Request, req *Request) error

// handle bounds the exchange with the configured timeout, maps errors and
// counts outcomes.
func (c *Controller) handle(s Scheme, fn exchangeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, parsed, _ := authsource.FromContext(r.Context())

		ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
		defer cancel()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		err := fn(sw, r.WithContext(ctx), &Request{Source: src, Parsed: parsed})
		if err != nil {
			msgErr := ErrorFor(err)
			if msgErr.Status < http.StatusInternalServerError {
				logger.Debugf("%s exchange rejected: %v", s, err)
			}
			apierrors.WriteError(sw, r, msgErr)
		}
		c.metrics.ObserveExchange(string(s), sw.status)
	}
}

func (c *Controller) exchange(ctx context.Context, s Scheme, req *Request) (*TokenResponse, error) {
	e, err := c.registry.Get(s)
	if err != nil {
		return nil, err
	}
	return e.Exchange(ctx, req)
}

// ticket
//
//	@Summary	Generate a PassTicket for the caller
//	@Accept		json
//	@Produce	json
//	@Param		request	body		applicationRequest	true	"Target application"
//	@Success	200		{object}	ticketResponse
//	@Failure	400		{object}	apierrors.Envelope
//	@Failure	401		{object}	apierrors.Envelope
//	@Router		/gateway/zaas/ticket [post]
func (c *Controller) ticket(w http.ResponseWriter, r *http.Request, req *Request) error {
	appl, err := decodeApplication(r)
	if err != nil {
		return err
	}
	req.ApplicationName = appl

	resp, err := c.exchange(r.Context(), SchemePassTicket, req)
	if err != nil {
		return err
	}
	return writeJSON(w, ticketResponse{
		Ticket:          resp.Token,
		UserID:          req.Parsed.UserID,
		ApplicationName: req.ApplicationName,
	})
}

// safIdt
//
//	@Summary	Generate a SAF identity token for the caller
//	@Accept		json
//	@Produce	json
//	@Param		request	body		applicationRequest	true	"Target application"
//	@Success	200		{object}	tokenResponseBody
//	@Failure	400		{object}	apierrors.Envelope
//	@Failure	500		{object}	apierrors.Envelope
//	@Router		/gateway/zaas/safIdt [post]
func (c *Controller) safIdt(w http.ResponseWriter, r *http.Request, req *Request) error {
	appl, err := decodeApplication(r)
	if err != nil {
		return err
	}
	req.ApplicationName = appl

	resp, err := c.exchange(r.Context(), SchemeSafIdt, req)
	if err != nil {
		return err
	}
	return writeToken(w, resp)
}

// zosmf
//
//	@Summary	Obtain a token accepted by z/OSMF
//	@Produce	json
//	@Success	200	{object}	tokenResponseBody
//	@Failure	401	{object}	apierrors.Envelope
//	@Failure	503	{object}	apierrors.Envelope
//	@Router		/gateway/zaas/zosmf [post]
func (c *Controller) zosmf(w http.ResponseWriter, r *http.Request, req *Request) error {
	resp, err := c.exchange(r.Context(), SchemeZosmf, req)
	if err != nil {
		return err
	}
	return writeToken(w, resp)
}

// zoweJwt
//
//	@Summary	Obtain the gateway token of the caller
//	@Produce	json
//	@Success	200	{object}	tokenResponseBody
//	@Failure	401	{object}	apierrors.Envelope
//	@Failure	500	{object}	apierrors.Envelope
//	@Router		/gateway/zaas/zoweJwt [post]
func (c *Controller) zoweJwt(w http.ResponseWriter, r *http.Request, req *Request) error {
	resp, err := c.exchange(r.Context(), SchemeZoweJwt, req)
	if err != nil {
		// a valid OIDC token without a mainframe user is handed back for the
		// backend to consume directly
		var identity *authsource.NoMainframeIdentityError
		if errors.As(err, &identity) && identity.TokenValid && req.Source.Kind() == authsource.KindOIDCToken {
			return writeToken(w, &TokenResponse{HeaderName: authsource.HeaderOIDCToken, Token: req.Source.Raw()})
		}
		return err
	}
	return writeToken(w, resp)
}

// decodeApplication reads the application name. An empty or malformed body
// counts as a missing name.
func decodeApplication(r *http.Request) (string, error) {
	var body applicationRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Debugf("Failed to decode exchange request body: %v", err)
	}
	return requireApplication(body.ApplicationName)
}

func writeToken(w http.ResponseWriter, resp *TokenResponse) error {
	return writeJSON(w, tokenResponseBody{CookieName: resp.CookieName, HeaderName: resp.HeaderName, Token: resp.Token})
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
	return nil
}

// statusWriter records the status written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
