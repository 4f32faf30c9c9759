// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package zaas converts a caller's validated identity into the credential a
// backend expects and exposes the conversions over HTTP.
package zaas

//go:generate mockgen -destination=mocks/mock_exchanger.go -package=mocks -source=exchanger.go Exchanger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
)

// Scheme names a backend credential scheme.
type Scheme string

// Supported schemes.
const (
	SchemePassTicket Scheme = "passticket"
	SchemeSafIdt     Scheme = "safidt"
	SchemeZosmf      Scheme = "zosmf"
	SchemeZoweJwt    Scheme = "zowejwt"
	// SchemeBypass forwards requests without a credential. It has no exchanger.
	SchemeBypass Scheme = "bypass"
)

var knownSchemes = map[Scheme]struct{}{
	SchemePassTicket: {},
	SchemeSafIdt:     {},
	SchemeZosmf:      {},
	SchemeZoweJwt:    {},
	SchemeBypass:     {},
}

// ParseScheme resolves a scheme name as found in service metadata. Names
// are case-insensitive; "httpBasicPassTicket" and "zoweJwt" spellings are
// accepted.
func ParseScheme(name string) (Scheme, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "httpbasicpassticket":
		n = string(SchemePassTicket)
	case "safidt", "saf-idt":
		n = string(SchemeSafIdt)
	}
	s := Scheme(n)
	if _, ok := knownSchemes[s]; !ok {
		return "", fmt.Errorf("%w: unknown authentication scheme %q", apiml.ErrInvalidInput, name)
	}
	return s, nil
}

// Request is the input of a credential exchange.
type Request struct {
	Source authsource.AuthSource
	Parsed *authsource.Parsed
	// ApplicationName is the target application for PassTicket and SAF IDT.
	ApplicationName string
}

// TokenResponse is the credential produced by an exchange. Exactly one of
// CookieName and HeaderName is usually set; a PassTicket sets neither.
type TokenResponse struct {
	CookieName string `json:"cookieName,omitempty"`
	HeaderName string `json:"headerName,omitempty"`
	Token      string `json:"token"`
}

// String implements fmt.Stringer without exposing the token.
func (t TokenResponse) String() string {
	tok := "[REDACTED]"
	if t.Token == "" {
		tok = "<empty>"
	}
	return fmt.Sprintf("TokenResponse{CookieName: %s, HeaderName: %s, Token: %s}", t.CookieName, t.HeaderName, tok)
}

// Exchanger converts a validated identity into one scheme's credential.
type Exchanger interface {
	// Scheme returns the scheme the exchanger produces.
	Scheme() Scheme

	// Exchange returns the credential for the request's identity.
	Exchange(ctx context.Context, req *Request) (*TokenResponse, error)
}

// Registry maps schemes to exchangers.
type Registry struct {
	mu         sync.RWMutex
	exchangers map[Scheme]Exchanger
}

// NewRegistry creates a registry holding the given exchangers.
func NewRegistry(exchangers ...Exchanger) (*Registry, error) {
	r := &Registry{exchangers: make(map[Scheme]Exchanger)}
	for _, e := range exchangers {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an exchanger. Each scheme can be registered once.
func (r *Registry) Register(e Exchanger) error {
	if e == nil {
		return fmt.Errorf("exchanger cannot be nil")
	}
	s := e.Scheme()
	if _, ok := knownSchemes[s]; !ok || s == SchemeBypass {
		return fmt.Errorf("%w: cannot register exchanger for scheme %q", apiml.ErrInvalidConfig, s)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.exchangers[s]; exists {
		return fmt.Errorf("exchanger for scheme %q is already registered", s)
	}
	r.exchangers[s] = e
	return nil
}

// Get returns the exchanger for s.
func (r *Registry) Get(s Scheme) (Exchanger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exchangers[s]
	if !ok {
		return nil, fmt.Errorf("%w: no exchanger for scheme %q", apiml.ErrNotFound, s)
	}
	return e, nil
}

// Schemes lists the registered schemes in name order.
func (r *Registry) Schemes() []Scheme {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scheme, 0, len(r.exchangers))
	for s := range r.exchangers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func requireUser(req *Request) error {
	if req == nil || !req.Parsed.Authenticated() {
		return fmt.Errorf("%w: no mainframe user for the request", apiml.ErrUnauthenticated)
	}
	return nil
}
