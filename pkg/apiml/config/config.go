// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals to and from strings like "30s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the gateway configuration.
type Config struct {
	// Name identifies this gateway instance in logs.
	Name string `json:"name" yaml:"name"`

	Server       ServerConfig       `json:"server" yaml:"server"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	PassTicket   PassTicketConfig   `json:"passticket" yaml:"passticket"`
	SafIdt       SafIdtConfig       `json:"safIdt" yaml:"safIdt"`
	Zosmf        ZosmfConfig        `json:"zosmf" yaml:"zosmf"`
	Zaas         ZaasConfig         `json:"zaas" yaml:"zaas"`
	LoadBalancer LoadBalancerConfig `json:"loadBalancer" yaml:"loadBalancer"`
	Cache        CacheConfig        `json:"cache" yaml:"cache"`
	Registry     RegistryConfig     `json:"registry" yaml:"registry"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address           string   `json:"address" yaml:"address"`
	ReadHeaderTimeout Duration `json:"readHeaderTimeout" yaml:"readHeaderTimeout"`
	RequestTimeout    Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// AuthConfig configures credential parsing and internal token issuing.
type AuthConfig struct {
	// TokenTTL is the lifetime of internally minted tokens.
	TokenTTL Duration `json:"tokenTTL" yaml:"tokenTTL"`

	// SigningKeyFile is a PEM encoded RSA private key. When empty an
	// ephemeral key is generated at startup.
	SigningKeyFile string `json:"signingKeyFile,omitempty" yaml:"signingKeyFile,omitempty"`

	// KeyID is published as the "kid" of the signing key.
	KeyID string `json:"keyID" yaml:"keyID"`

	Revocation RevocationConfig `json:"revocation" yaml:"revocation"`
	PAT        PATConfig        `json:"pat" yaml:"pat"`
	OIDC       OIDCConfig       `json:"oidc" yaml:"oidc"`
	X509       X509Config       `json:"x509" yaml:"x509"`

	// IdentityMapping maps distributed identities (OIDC subjects, certificate
	// common names) to mainframe user ids.
	IdentityMapping map[string]string `json:"identityMapping,omitempty" yaml:"identityMapping,omitempty"`
}

// RevocationConfig selects the store of revoked tokens.
type RevocationConfig struct {
	// Provider is "memory" or "redis".
	Provider string       `json:"provider" yaml:"provider"`
	Redis    *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig holds connection settings for a Redis server.
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix"`
}

// PATConfig enables personal access tokens.
type PATConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// OIDCConfig enables access tokens from an external OIDC provider.
type OIDCConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Issuer   string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	ClientID string `json:"clientID,omitempty" yaml:"clientID,omitempty"`
	// JWKSURL defaults to the provider's published key set when empty.
	JWKSURL string `json:"jwksURL,omitempty" yaml:"jwksURL,omitempty"`
}

// X509Config enables client certificate authentication.
type X509Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// CAFile is a PEM bundle of trusted client certificate issuers.
	CAFile string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
}

// PassTicketConfig configures the PassTicket generator.
type PassTicketConfig struct {
	// Secret keys the ticket derivation. Required.
	Secret string `json:"secret" yaml:"secret"`
	// Applications lists the application names with secured sign-on configured.
	Applications []string `json:"applications" yaml:"applications"`
	// Window is the validity period of one ticket.
	Window Duration `json:"window" yaml:"window"`
}

// SafIdtConfig points at the SAF identity token REST service.
type SafIdtConfig struct {
	URL     string   `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// ZosmfConfig points at the z/OSMF token service.
type ZosmfConfig struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Applid is the application name used to log in to z/OSMF with a PassTicket.
	Applid       string   `json:"applid" yaml:"applid"`
	AuthEndpoint string   `json:"authEndpoint" yaml:"authEndpoint"`
	InfoEndpoint string   `json:"infoEndpoint" yaml:"infoEndpoint"`
	JWKSEndpoint string   `json:"jwksEndpoint" yaml:"jwksEndpoint"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	MaxRetries   int      `json:"maxRetries" yaml:"maxRetries"`
	// RateLimit caps requests per second to z/OSMF; zero disables limiting.
	RateLimit float64 `json:"rateLimit" yaml:"rateLimit"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// ZaasConfig configures the credential exchange endpoints.
type ZaasConfig struct {
	// ExchangeTimeout bounds each call to a platform service.
	ExchangeTimeout Duration `json:"exchangeTimeout" yaml:"exchangeTimeout"`
}

// LoadBalancerConfig configures sticky instance selection.
type LoadBalancerConfig struct {
	// ExpirationHours is the age after which a sticky decision is dropped.
	ExpirationHours int `json:"expirationHours" yaml:"expirationHours"`
}

// CacheConfig configures the remote tier of the decision cache.
type CacheConfig struct {
	// URL is the caching service base URL; empty runs local-only.
	URL            string               `json:"url,omitempty" yaml:"url,omitempty"`
	ServiceID      string               `json:"serviceID" yaml:"serviceID"`
	Timeout        Duration             `json:"timeout" yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`
}

// CircuitBreakerConfig configures the circuit breaker in front of the remote cache.
type CircuitBreakerConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	FailureThreshold int      `json:"failureThreshold" yaml:"failureThreshold"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
}

// RegistryConfig seeds and refreshes the service registry view.
type RegistryConfig struct {
	// Services are registered at startup.
	Services []ServiceConfig `json:"services,omitempty" yaml:"services,omitempty"`
	// SnapshotURL is polled for registry snapshots when set.
	SnapshotURL  string   `json:"snapshotURL,omitempty" yaml:"snapshotURL,omitempty"`
	PollInterval Duration `json:"pollInterval" yaml:"pollInterval"`
}

// ServiceConfig is a statically registered service.
type ServiceConfig struct {
	ID        string           `json:"id" yaml:"id"`
	Instances []InstanceConfig `json:"instances" yaml:"instances"`
}

// InstanceConfig is a statically registered instance.
type InstanceConfig struct {
	InstanceID string            `json:"instanceId" yaml:"instanceId"`
	URI        string            `json:"uri" yaml:"uri"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector, e.g. "localhost:4318". Tracing
	// is disabled when empty.
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate"`
	ServiceName  string  `json:"serviceName" yaml:"serviceName"`
}
