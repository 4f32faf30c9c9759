package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-core/env"
)

// Environment variables that override file values.
const (
	EnvZosmfURL     = "APIGW_ZOSMF_URL"
	EnvCacheURL     = "APIGW_CACHE_URL"
	EnvSafIdtURL    = "APIGW_SAFIDT_URL"
	EnvServerAddr   = "APIGW_ADDRESS"
	EnvPassTicketSK = "APIGW_PASSTICKET_SECRET" //nolint:gosec // G101: variable name, not a credential
)

// YAMLLoader loads a Config from a YAML file.
type YAMLLoader struct {
	path      string
	envReader env.Reader
}

// NewYAMLLoader creates a loader for the file at path that reads overrides
// from the process environment.
func NewYAMLLoader(path string) *YAMLLoader {
	return NewYAMLLoaderWithEnv(path, &env.OSReader{})
}

// NewYAMLLoaderWithEnv creates a loader with a custom environment reader.
func NewYAMLLoaderWithEnv(path string, envReader env.Reader) *YAMLLoader {
	return &YAMLLoader{path: path, envReader: envReader}
}

// Load reads, decodes and defaults the configuration. Unknown fields are rejected.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", l.path, err)
	}
	return l.parse(data)
}

func (l *YAMLLoader) parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	l.applyEnv(cfg)

	if err := cfg.EnsureDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *YAMLLoader) applyEnv(cfg *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{EnvZosmfURL, &cfg.Zosmf.URL},
		{EnvCacheURL, &cfg.Cache.URL},
		{EnvSafIdtURL, &cfg.SafIdt.URL},
		{EnvServerAddr, &cfg.Server.Address},
		{EnvPassTicketSK, &cfg.PassTicket.Secret},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(l.envReader.Getenv(o.name)); v != "" {
			*o.target = v
		}
	}
}
