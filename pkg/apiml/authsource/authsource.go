// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authsource models the credential a caller presented to the gateway
// and the normalized identity parsed from it.
package authsource

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"
)

// Kind identifies how the caller proved its identity.
type Kind string

const (
	// KindCookieToken is a gateway token carried in the apimlAuthenticationToken cookie.
	KindCookieToken Kind = "cookie"
	// KindBearerToken is a token carried in an Authorization: Bearer header.
	KindBearerToken Kind = "bearer"
	// KindClientCertificate is a TLS client certificate.
	KindClientCertificate Kind = "x509"
	// KindPersonalAccessToken is a long-lived, scoped gateway token.
	KindPersonalAccessToken Kind = "pat"
	// KindOIDCToken is an access token issued by an external OIDC provider.
	KindOIDCToken Kind = "oidc"
)

// Origin tells which authority vouches for a parsed identity.
type Origin string

// Known origins.
const (
	OriginZowe  Origin = "ZOWE"
	OriginZosmf Origin = "ZOSMF"
	OriginPAT   Origin = "ZOWE_PAT"
	OriginOIDC  Origin = "OIDC"
	OriginX509  Origin = "X509"
)

const redactedPlaceholder = "[REDACTED]"

// AuthSource is the credential material a caller presented. It is immutable:
// fields are only set by the constructors.
type AuthSource struct {
	kind Kind
	raw  string
	cert *x509.Certificate
}

// NewCookieToken wraps a token read from the authentication cookie.
func NewCookieToken(raw string) AuthSource {
	return AuthSource{kind: KindCookieToken, raw: raw}
}

// NewBearerToken wraps a token read from an Authorization header.
func NewBearerToken(raw string) AuthSource {
	return AuthSource{kind: KindBearerToken, raw: raw}
}

// NewPersonalAccessToken wraps a personal access token.
func NewPersonalAccessToken(raw string) AuthSource {
	return AuthSource{kind: KindPersonalAccessToken, raw: raw}
}

// NewOIDCToken wraps an access token from an external OIDC provider.
func NewOIDCToken(raw string) AuthSource {
	return AuthSource{kind: KindOIDCToken, raw: raw}
}

// NewClientCertificate wraps a verified TLS peer certificate.
func NewClientCertificate(cert *x509.Certificate) AuthSource {
	src := AuthSource{kind: KindClientCertificate, cert: cert}
	if cert != nil {
		src.raw = base64.StdEncoding.EncodeToString(cert.Raw)
	}
	return src
}

// Kind returns the credential kind.
func (s AuthSource) Kind() Kind {
	return s.kind
}

// Raw returns the credential as presented; for certificates it is the
// base64 encoded DER.
func (s AuthSource) Raw() string {
	return s.raw
}

// Certificate returns the client certificate of a KindClientCertificate source.
func (s AuthSource) Certificate() *x509.Certificate {
	return s.cert
}

// IsZero reports whether s carries no credential.
func (s AuthSource) IsZero() bool {
	return s.kind == "" || (s.raw == "" && s.cert == nil)
}

// String implements fmt.Stringer without exposing the credential.
func (s AuthSource) String() string {
	raw := redactedPlaceholder
	if s.raw == "" {
		raw = "<empty>"
	}
	return fmt.Sprintf("AuthSource{Kind: %s, Raw: %s}", s.kind, raw)
}

// Parsed is the normalized identity extracted from a validated AuthSource.
//
// UserID is the mainframe user id. It is empty when the source was valid
// but no mainframe identity is mapped to it; such a value must never be
// treated as authenticated.
type Parsed struct {
	UserID    string
	IssuedAt  *time.Time
	ExpiresAt *time.Time
	Origin    Origin
	// DistributedID is the external identity (OIDC subject, certificate
	// common name) for sources that need mapping.
	DistributedID string
}

// Authenticated reports whether p identifies a mainframe user.
func (p *Parsed) Authenticated() bool {
	return p != nil && p.UserID != ""
}

// Equal compares two parsed values, treating times by instant.
func (p Parsed) Equal(o Parsed) bool {
	return p.UserID == o.UserID &&
		p.Origin == o.Origin &&
		p.DistributedID == o.DistributedID &&
		timesEqual(p.IssuedAt, o.IssuedAt) &&
		timesEqual(p.ExpiresAt, o.ExpiresAt)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
