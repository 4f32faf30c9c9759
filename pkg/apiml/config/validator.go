package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stacklok/apigw/pkg/apiml"
)

// DefaultValidator validates a loaded configuration.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate checks the whole configuration and reports every problem at once.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", apiml.ErrInvalidConfig)
	}

	var errors []string
	for _, check := range []func(*Config) error{
		v.validateServer,
		v.validateAuth,
		v.validatePassTicket,
		v.validateZosmf,
		v.validateCache,
		v.validateRegistry,
		v.validateTelemetry,
	} {
		if err := check(cfg); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%w:\n  - %s", apiml.ErrInvalidConfig, strings.Join(errors, "\n  - "))
	}
	return nil
}

func (*DefaultValidator) validateServer(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.requestTimeout must be positive")
	}
	return nil
}

func (*DefaultValidator) validateAuth(cfg *Config) error {
	a := cfg.Auth
	if a.TokenTTL <= 0 {
		return fmt.Errorf("auth.tokenTTL must be positive")
	}
	switch a.Revocation.Provider {
	case "memory":
	case "redis":
		if a.Revocation.Redis == nil || a.Revocation.Redis.Address == "" {
			return fmt.Errorf("auth.revocation.redis.address is required for the redis provider")
		}
	default:
		return fmt.Errorf("auth.revocation.provider must be memory or redis, got %q", a.Revocation.Provider)
	}
	if a.OIDC.Enabled {
		if a.OIDC.Issuer == "" {
			return fmt.Errorf("auth.oidc.issuer is required when OIDC is enabled")
		}
		if a.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.clientID is required when OIDC is enabled")
		}
	}
	return nil
}

func (*DefaultValidator) validatePassTicket(cfg *Config) error {
	if cfg.PassTicket.Secret == "" {
		return fmt.Errorf("passticket.secret is required")
	}
	for _, app := range cfg.PassTicket.Applications {
		if l := len(strings.TrimSpace(app)); l == 0 || l > 8 {
			return fmt.Errorf("passticket.applications: %q must be 1 to 8 characters", app)
		}
	}
	return nil
}

func (*DefaultValidator) validateZosmf(cfg *Config) error {
	if cfg.Zosmf.URL == "" {
		return nil
	}
	if err := validateURL(cfg.Zosmf.URL); err != nil {
		return fmt.Errorf("zosmf.url: %w", err)
	}
	if cfg.Zosmf.MaxRetries < 0 {
		return fmt.Errorf("zosmf.maxRetries must not be negative")
	}
	if cfg.Zosmf.RateLimit < 0 {
		return fmt.Errorf("zosmf.rateLimit must not be negative")
	}
	return nil
}

func (*DefaultValidator) validateCache(cfg *Config) error {
	if cfg.Cache.URL == "" {
		return nil
	}
	if err := validateURL(cfg.Cache.URL); err != nil {
		return fmt.Errorf("cache.url: %w", err)
	}
	if cfg.Cache.CircuitBreaker.Enabled && cfg.Cache.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("cache.circuitBreaker.failureThreshold must be at least 1")
	}
	return nil
}

func (*DefaultValidator) validateRegistry(cfg *Config) error {
	seen := make(map[string]bool)
	for i, svc := range cfg.Registry.Services {
		if svc.ID == "" {
			return fmt.Errorf("registry.services[%d].id is required", i)
		}
		id := strings.ToLower(svc.ID)
		if seen[id] {
			return fmt.Errorf("registry.services: duplicate service %q", svc.ID)
		}
		seen[id] = true
		for j, inst := range svc.Instances {
			if inst.InstanceID == "" {
				return fmt.Errorf("registry.services[%d].instances[%d].instanceId is required", i, j)
			}
			if err := validateURL(inst.URI); err != nil {
				return fmt.Errorf("registry.services[%d].instances[%d].uri: %w", i, j, err)
			}
		}
	}
	if cfg.Registry.SnapshotURL != "" {
		if err := validateURL(cfg.Registry.SnapshotURL); err != nil {
			return fmt.Errorf("registry.snapshotURL: %w", err)
		}
	}
	return nil
}

func (*DefaultValidator) validateTelemetry(cfg *Config) error {
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.samplingRate must be between 0 and 1")
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
