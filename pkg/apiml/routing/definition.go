// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package routing turns registry metadata into an ordered table of route
// definitions and matches incoming requests against it.
package routing

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Predicate and filter names.
const (
	// PredicateHeader matches when header Args[0] equals Args[1].
	PredicateHeader = "Header"
	// PredicatePath matches when the path matches any of Args. A pattern
	// ending in /** matches everything below its prefix.
	PredicatePath = "Path"

	// FilterRewritePath rewrites a path matching regexp Args[0] to the
	// template Args[1], which may reference named groups as ${name}.
	FilterRewritePath = "RewritePath"
	// FilterServiceAuthentication carries the credential scheme (Args[0])
	// and the optional application name (Args[1]) of the backend.
	FilterServiceAuthentication = "ServiceAuthentication"

	// HeaderInstanceID pins a request to one service instance.
	HeaderInstanceID = "X-InstanceId"

	// SchemeLoadBalanced prefixes URIs resolved by the load balancer.
	SchemeLoadBalanced = "lb"
)

// Predicate is one match condition of a route.
type Predicate struct {
	Name string
	Args []string
}

// Filter is one action applied to a matched request.
type Filter struct {
	Name string
	Args []string
}

// RouteDefinition is one routing rule. Definitions are built fresh on every
// registry refresh and are not modified afterwards.
type RouteDefinition struct {
	ID         string
	Order      int
	Predicates []Predicate
	Filters    []Filter
	// URI is the target: an instance base URI, or lb://{serviceId} when the
	// instance is chosen per request.
	URI string
	// ServiceID is the registry id of the service the route belongs to.
	ServiceID string
	Metadata  map[string]string
}

// AuthScheme returns the scheme and application name from the route's
// authentication filter. ok is false when the route has none.
func (d RouteDefinition) AuthScheme() (scheme, applID string, ok bool) {
	for _, f := range d.Filters {
		if f.Name != FilterServiceAuthentication || len(f.Args) == 0 {
			continue
		}
		if len(f.Args) > 1 {
			applID = f.Args[1]
		}
		return f.Args[0], applID, true
	}
	return "", "", false
}

// LoadBalanced reports whether the route's instance is chosen per request.
func (d RouteDefinition) LoadBalanced() bool {
	return strings.HasPrefix(d.URI, SchemeLoadBalanced+"://")
}

// compiledRoute is a definition with its rewrite filters compiled.
type compiledRoute struct {
	def      RouteDefinition
	rewrites []rewrite
}

type rewrite struct {
	re          *regexp.Regexp
	replacement string
}

func compile(def RouteDefinition) (compiledRoute, error) {
	c := compiledRoute{def: def}
	for _, f := range def.Filters {
		if f.Name != FilterRewritePath {
			continue
		}
		if len(f.Args) != 2 {
			return compiledRoute{}, fmt.Errorf("route %s: %s needs a regexp and a replacement", def.ID, f.Name)
		}
		re, err := regexp.Compile("(?s)^" + f.Args[0] + "$")
		if err != nil {
			return compiledRoute{}, fmt.Errorf("route %s: invalid rewrite: %w", def.ID, err)
		}
		c.rewrites = append(c.rewrites, rewrite{re: re, replacement: f.Args[1]})
	}
	return c, nil
}

func (c compiledRoute) matches(r *http.Request) bool {
	for _, p := range c.def.Predicates {
		if !predicateMatches(p, r) {
			return false
		}
	}
	return len(c.def.Predicates) > 0
}

func predicateMatches(p Predicate, r *http.Request) bool {
	switch p.Name {
	case PredicateHeader:
		return len(p.Args) == 2 && r.Header.Get(p.Args[0]) == p.Args[1]
	case PredicatePath:
		for _, pattern := range p.Args {
			if pathMatches(pattern, r.URL.Path) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func pathMatches(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return strings.HasPrefix(path, prefix+"/")
	}
	return path == pattern
}

// rewritePath applies the first rewrite whose regexp matches path. It
// reports false when the route has rewrites and none of them matches.
func (c compiledRoute) rewritePath(path string) (string, bool) {
	if len(c.rewrites) == 0 {
		return path, true
	}
	for _, rw := range c.rewrites {
		if m := rw.re.FindStringSubmatchIndex(path); m != nil {
			return string(rw.re.ExpandString(nil, rw.replacement, path, m)), true
		}
	}
	return "", false
}
