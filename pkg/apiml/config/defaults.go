// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"
)

// Default values. Defaults() is the single place they are assembled.
const (
	defaultAddress            = ":10010"
	defaultReadHeaderTimeout  = 10 * time.Second
	defaultRequestTimeout     = 60 * time.Second
	defaultTokenTTL           = 8 * time.Hour
	defaultKeyID              = "apiml"
	defaultRevocationProvider = "memory"
	defaultRedisKeyPrefix     = "apigw:"
	defaultPassTicketWindow   = 10 * time.Minute
	defaultSafIdtTimeout      = 10 * time.Second
	defaultZosmfAuthEndpoint  = "/zosmf/services/authenticate"
	defaultZosmfInfoEndpoint  = "/zosmf/info"
	defaultZosmfJWKSEndpoint  = "/jwt/ibm/api/zOSMFBuilder/jwk"
	defaultZosmfTimeout       = 30 * time.Second
	defaultZosmfMaxRetries    = 2
	defaultZosmfBurst         = 10
	defaultZosmfApplid        = "IZUDFLT"
	defaultExchangeTimeout    = 30 * time.Second
	defaultExpirationHours    = 8
	defaultCacheServiceID     = "gateway"
	defaultCacheTimeout       = 5 * time.Second
	defaultFailureThreshold   = 5
	defaultBreakerTimeout     = 60 * time.Second
	defaultPollInterval       = 30 * time.Second
	defaultSamplingRate       = 0.1
	defaultTelemetryService   = "apigw"
)

// Defaults returns a fully populated configuration with default values.
func Defaults() *Config {
	return &Config{
		Name: "apigw",
		Server: ServerConfig{
			Address:           defaultAddress,
			ReadHeaderTimeout: Duration(defaultReadHeaderTimeout),
			RequestTimeout:    Duration(defaultRequestTimeout),
		},
		Auth: AuthConfig{
			TokenTTL: Duration(defaultTokenTTL),
			KeyID:    defaultKeyID,
			Revocation: RevocationConfig{
				Provider: defaultRevocationProvider,
			},
		},
		PassTicket: PassTicketConfig{
			Window: Duration(defaultPassTicketWindow),
		},
		SafIdt: SafIdtConfig{
			Timeout: Duration(defaultSafIdtTimeout),
		},
		Zosmf: ZosmfConfig{
			Applid:       defaultZosmfApplid,
			AuthEndpoint: defaultZosmfAuthEndpoint,
			InfoEndpoint: defaultZosmfInfoEndpoint,
			JWKSEndpoint: defaultZosmfJWKSEndpoint,
			Timeout:      Duration(defaultZosmfTimeout),
			MaxRetries:   defaultZosmfMaxRetries,
			Burst:        defaultZosmfBurst,
		},
		Zaas: ZaasConfig{
			ExchangeTimeout: Duration(defaultExchangeTimeout),
		},
		LoadBalancer: LoadBalancerConfig{
			ExpirationHours: defaultExpirationHours,
		},
		Cache: CacheConfig{
			ServiceID: defaultCacheServiceID,
			Timeout:   Duration(defaultCacheTimeout),
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: defaultFailureThreshold,
				Timeout:          Duration(defaultBreakerTimeout),
			},
		},
		Registry: RegistryConfig{
			PollInterval: Duration(defaultPollInterval),
		},
		Telemetry: TelemetryConfig{
			SamplingRate: defaultSamplingRate,
			ServiceName:  defaultTelemetryService,
		},
	}
}

// EnsureDefaults fills every zero-valued field of c from Defaults while
// keeping user-provided values.
func (c *Config) EnsureDefaults() error {
	if c == nil {
		return nil
	}
	if err := mergo.Merge(c, Defaults()); err != nil {
		return fmt.Errorf("failed to apply configuration defaults: %w", err)
	}
	if c.Auth.Revocation.Provider == "redis" && c.Auth.Revocation.Redis != nil &&
		c.Auth.Revocation.Redis.KeyPrefix == "" {
		c.Auth.Revocation.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	return nil
}
