// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway forwards requests to registered services, attaching the
// credential each service expects.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/apigw/pkg/api/errors"
	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/loadbalancer"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/apiml/routing"
	"github.com/stacklok/apigw/pkg/apiml/zaas"
	"github.com/stacklok/apigw/pkg/logger"
)

const defaultExchangeTimeout = 30 * time.Second

// Config holds the collaborators of a Proxy.
type Config struct {
	Routes     *routing.Table
	Registry   apiml.InstanceSource
	Balancer   *loadbalancer.Balancer
	Exchangers *zaas.Registry
	Auth       authsource.Service
	Extractor  *authsource.Extractor
	Metrics    *metrics.Metrics

	// ExchangeTimeout bounds the credential exchange of one request.
	ExchangeTimeout time.Duration
	// Transport is used for upstream calls; nil selects http.DefaultTransport.
	Transport http.RoundTripper
}

// Proxy routes and forwards requests.
type Proxy struct {
	cfg   Config
	proxy *httputil.ReverseProxy
}

// forward carries the per-request decisions into the reverse proxy.
type forward struct {
	target     *url.URL
	path       string
	serviceID  string
	credential *credential
}

// NewProxy creates a proxy.
func NewProxy(cfg Config) *Proxy {
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	p := &Proxy{cfg: cfg}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      cfg.Transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p
}

// ServeHTTP parses the caller's identity, matches a route, chooses the
// instance, obtains the backend credential and forwards the request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	src, parsed, err := p.identify(r)
	if err != nil {
		apierrors.WriteError(w, r, zaas.ErrorFor(err))
		return
	}

	match, err := p.cfg.Routes.Match(r)
	if err != nil {
		apierrors.WriteError(w, r, httperr.WithCode(err, http.StatusNotFound))
		return
	}

	target, err := p.target(r, match.Route, parsed)
	if err != nil {
		if errors.Is(err, apiml.ErrServiceUnavailable) {
			err = httperr.WithCode(err, http.StatusServiceUnavailable)
		}
		apierrors.WriteError(w, r, err)
		return
	}

	cred, err := p.credential(r, match.Route, src, parsed)
	if err != nil {
		apierrors.WriteError(w, r, zaas.ErrorFor(err))
		return
	}

	fwd := &forward{target: target, path: match.Path, serviceID: match.Route.ServiceID, credential: cred}
	logger.Debugw("forwarding request",
		"route", match.Route.ID, "target", target.String(), "path", match.Path)
	p.proxy.ServeHTTP(w, r.WithContext(withForward(r.Context(), fwd)))
}

// identify returns the caller's validated identity. Requests without a
// credential are anonymous; an invalid credential is rejected.
func (p *Proxy) identify(r *http.Request) (authsource.AuthSource, *authsource.Parsed, error) {
	if src, parsed, ok := authsource.FromContext(r.Context()); ok && parsed != nil {
		return src, parsed, nil
	}

	src, ok := p.cfg.Extractor.Extract(r)
	if !ok {
		return authsource.AuthSource{}, nil, nil
	}
	valid, err := p.cfg.Auth.IsValid(r.Context(), src)
	if err != nil {
		return src, nil, err
	}
	if !valid {
		return src, nil, apiml.ErrTokenNotValid
	}
	parsed, err := p.cfg.Auth.Parse(r.Context(), src)
	if err != nil {
		return src, nil, err
	}
	return src, parsed, nil
}

// target resolves the upstream base URL, choosing an instance for
// load-balanced routes.
func (p *Proxy) target(r *http.Request, route routing.RouteDefinition, parsed *authsource.Parsed) (*url.URL, error) {
	raw := route.URI
	if route.LoadBalanced() {
		var user string
		if parsed != nil {
			user = parsed.UserID
		}
		instances := p.cfg.Registry.Snapshot().Instances(route.ServiceID)
		inst, err := p.cfg.Balancer.Choose(r.Context(), instances, user)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", route.ServiceID, err)
		}
		raw = inst.URI
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URI %q for route %s: %w", raw, route.ID, err)
	}
	return u, nil
}

// credential obtains what the route's scheme attaches to the request. Routes
// without a scheme, or with bypass, get none.
func (p *Proxy) credential(
	r *http.Request,
	route routing.RouteDefinition,
	src authsource.AuthSource,
	parsed *authsource.Parsed,
) (*credential, error) {
	name, applID, ok := route.AuthScheme()
	if !ok {
		return nil, nil
	}
	scheme, err := zaas.ParseScheme(name)
	if err != nil {
		logger.Warnf("Route %s declares %v; forwarding without credentials", route.ID, err)
		return nil, nil
	}
	if scheme == zaas.SchemeBypass {
		return nil, nil
	}
	if parsed == nil {
		return nil, apiml.ErrUnauthenticated
	}

	exchanger, err := p.cfg.Exchangers.Get(scheme)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.ExchangeTimeout)
	defer cancel()

	resp, err := exchanger.Exchange(ctx, &zaas.Request{Source: src, Parsed: parsed, ApplicationName: applID})
	p.cfg.Metrics.ObserveExchange(string(scheme), statusOf(err))
	if err != nil {
		return nil, err
	}
	return &credential{scheme: scheme, user: parsed.UserID, response: resp}, nil
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return zaas.ErrorFor(err).Status
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	fwd, ok := forwardFrom(pr.In.Context())
	if !ok {
		return
	}

	pr.SetURL(fwd.target)
	pr.Out.URL.Path = joinURLPath(fwd.target.Path, fwd.path)
	pr.Out.URL.RawPath = ""
	pr.SetXForwarded()

	// the caller's gateway credentials are not meant for the backend
	pr.Out.Header.Del(authsource.HeaderPAT)
	pr.Out.Header.Del(routing.HeaderInstanceID)
	fwd.credential.apply(pr.Out)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if fwd, ok := forwardFrom(resp.Request.Context()); ok {
		p.cfg.Metrics.ObserveProxy(fwd.serviceID, resp.StatusCode)
	}
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if fwd, ok := forwardFrom(r.Context()); ok {
		p.cfg.Metrics.ObserveProxy(fwd.serviceID, http.StatusBadGateway)
	}
	apierrors.WriteError(w, r, httperr.WithCode(fmt.Errorf("upstream request failed: %w", err), http.StatusBadGateway))
}

func joinURLPath(base, path string) string {
	if path == "" {
		path = "/"
	}
	return strings.TrimSuffix(base, "/") + path
}

// credential is the result of a credential exchange for one request.
type credential struct {
	scheme   zaas.Scheme
	user     string
	response *zaas.TokenResponse
}

// apply attaches the credential to the outgoing request, replacing what the
// caller sent for the gateway.
func (c *credential) apply(out *http.Request) {
	if c == nil || c.response == nil {
		return
	}
	removeCookies(out, authsource.CookieAuthName, authsource.CookiePATName)
	switch {
	case c.scheme == zaas.SchemePassTicket:
		basic := base64.StdEncoding.EncodeToString([]byte(c.user + ":" + c.response.Token))
		out.Header.Set("Authorization", "Basic "+basic)
	case c.response.HeaderName != "":
		out.Header.Del("Authorization")
		out.Header.Set(c.response.HeaderName, c.response.Token)
	case c.response.CookieName != "":
		out.Header.Del("Authorization")
		removeCookies(out, c.response.CookieName)
		out.AddCookie(&http.Cookie{Name: c.response.CookieName, Value: c.response.Token})
	}
}

// removeCookies rewrites the cookie header of out without the named cookies.
func removeCookies(out *http.Request, names ...string) {
	cookies := out.Cookies()
	out.Header.Del("Cookie")
	for _, ck := range cookies {
		if slices.Contains(names, ck.Name) {
			continue
		}
		out.AddCookie(ck)
	}
}
