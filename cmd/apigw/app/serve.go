package app

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/apigw/pkg/api"
	v1 "github.com/stacklok/apigw/pkg/api/v1"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/config"
	"github.com/stacklok/apigw/pkg/apiml/gateway"
	"github.com/stacklok/apigw/pkg/apiml/lbcache"
	"github.com/stacklok/apigw/pkg/apiml/loadbalancer"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/apiml/passticket"
	"github.com/stacklok/apigw/pkg/apiml/registry"
	"github.com/stacklok/apigw/pkg/apiml/routing"
	"github.com/stacklok/apigw/pkg/apiml/safidt"
	"github.com/stacklok/apigw/pkg/apiml/telemetry"
	"github.com/stacklok/apigw/pkg/apiml/token"
	"github.com/stacklok/apigw/pkg/apiml/zaas"
	"github.com/stacklok/apigw/pkg/apiml/zosmf"
	"github.com/stacklok/apigw/pkg/cachingservice"
	"github.com/stacklok/apigw/pkg/logger"
	"github.com/stacklok/apigw/pkg/versions"
)

const telemetryShutdownTimeout = 5 * time.Second

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Infof("Configuration loaded and validated successfully")
	logger.Infof("  Name: %s", cfg.Name)

	gw, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, gw.serverConfig, gw.handler)
	})
	if gw.poller != nil {
		g.Go(func() error {
			return gw.poller.Run(gctx)
		})
	}
	return g.Wait()
}

// components is the assembled gateway.
type components struct {
	serverConfig api.ServerConfig
	handler      http.Handler
	poller       *registry.Poller
	closers      []func(context.Context) error
}

func (c *components) close() {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			logger.Warnf("Shutdown: %v", err)
		}
	}
}

// build wires every component from cfg.
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry, versions.GetVersionInfo().Version, promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	c.closers = append(c.closers, tel.Shutdown)

	key, err := token.LoadOrGenerateKey(cfg.Auth.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(key, cfg.Auth.KeyID, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return nil, err
	}

	revoked, redisClient, err := buildRevocationStore(cfg.Auth.Revocation)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		c.closers = append(c.closers, func(context.Context) error { return redisClient.Close() })
	}

	var zosmfClient *zosmf.Client
	if cfg.Zosmf.URL != "" {
		zosmfClient, err = zosmf.NewClient(cfg.Zosmf.URL,
			zosmf.WithHTTPClient(&http.Client{Timeout: cfg.Zosmf.Timeout.Std()}),
			zosmf.WithEndpoints(cfg.Zosmf.AuthEndpoint, cfg.Zosmf.InfoEndpoint),
			zosmf.WithMaxRetries(cfg.Zosmf.MaxRetries),
			zosmf.WithRateLimit(cfg.Zosmf.RateLimit, cfg.Zosmf.Burst),
			zosmf.WithMetrics(m),
			zosmf.WithTracerProvider(tel.TracerProvider()),
		)
		if err != nil {
			return nil, err
		}
	}

	service, extractor, err := buildAuthSources(ctx, cfg, issuer, revoked)
	if err != nil {
		return nil, err
	}

	exchangers, err := buildExchangers(cfg, service, issuer, zosmfClient)
	if err != nil {
		return nil, err
	}

	reg := registry.FromConfig(cfg.Registry)
	if cfg.Registry.SnapshotURL != "" {
		c.poller = registry.NewPoller(cfg.Registry.SnapshotURL, cfg.Registry.PollInterval.Std(), nil, reg)
	}

	decisions, err := buildDecisionCache(cfg.Cache, m)
	if err != nil {
		return nil, err
	}
	balancer := loadbalancer.New(decisions, time.Duration(cfg.LoadBalancer.ExpirationHours)*time.Hour)

	table := routing.NewTable(routing.NewLocator(routing.DefaultProducers()...), m)
	table.Watch(reg)

	exchangeTimeout := cfg.Zaas.ExchangeTimeout.Std()
	proxy := gateway.NewProxy(gateway.Config{
		Routes:          table,
		Registry:        reg,
		Balancer:        balancer,
		Exchangers:      exchangers,
		Auth:            service,
		Extractor:       extractor,
		Metrics:         m,
		ExchangeTimeout: exchangeTimeout,
	})

	checks := []v1.HealthCheck{{Name: "routing", Check: func(context.Context) error {
		if len(table.Routes()) == 0 {
			return errors.New("no routes registered")
		}
		return nil
	}}}
	if redisClient != nil {
		checks = append(checks, v1.HealthCheck{Name: "revocation", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	c.serverConfig = api.ServerConfig{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		RequestTimeout:    cfg.Server.RequestTimeout.Std(),
		Middleware:        []func(http.Handler) http.Handler{tel.Middleware},
	}
	c.handler = api.NewRouter(c.serverConfig, api.Routes{
		Health:  v1.HealthcheckRouter(checks...),
		Version: v1.VersionRouter(),
		Metrics: metrics.Handler(promRegistry),
		Zaas:    zaas.NewController(exchangers, service, extractor, m, exchangeTimeout).Router(),
		Auth:    gateway.NewAuthRoutes(service, extractor, revoked, issuer).Router(),
		Proxy:   proxy,
	})
	return c, nil
}

func buildRevocationStore(cfg config.RevocationConfig) (authsource.RevocationStore, *redis.Client, error) {
	switch cfg.Provider {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return authsource.NewRedisRevocationStore(client, cfg.Redis.KeyPrefix), client, nil
	case "", "memory":
		return authsource.NewMemoryRevocationStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown revocation provider %q", cfg.Provider)
	}
}

func buildAuthSources(
	ctx context.Context,
	cfg *config.Config,
	issuer *token.Issuer,
	revoked authsource.RevocationStore,
) (*authsource.DefaultService, *authsource.Extractor, error) {
	var zosmfTokens authsource.ZosmfTokens
	if cfg.Zosmf.URL != "" {
		jwksURL := strings.TrimSuffix(cfg.Zosmf.URL, "/") + cfg.Zosmf.JWKSEndpoint
		verifier, err := token.NewRemoteKeySetVerifier(ctx, jwksURL, &http.Client{Timeout: cfg.Zosmf.Timeout.Std()})
		if err != nil {
			return nil, nil, err
		}
		zosmfTokens = verifier
	}

	handlers := []authsource.Handler{authsource.NewTokenHandler(issuer, zosmfTokens, revoked)}
	if cfg.Auth.PAT.Enabled {
		handlers = append(handlers, authsource.NewPATHandler(issuer, revoked))
	}

	mapper := authsource.NewStaticMapper(cfg.Auth.IdentityMapping)
	var oidcIssuer string
	if cfg.Auth.OIDC.Enabled {
		verifier, err := newOIDCVerifier(ctx, cfg.Auth.OIDC)
		if err != nil {
			return nil, nil, err
		}
		oidcIssuer = cfg.Auth.OIDC.Issuer
		handlers = append(handlers, authsource.NewOIDCHandler(verifier, mapper, issuer))
	}
	if cfg.Auth.X509.Enabled {
		roots, err := loadCertPool(cfg.Auth.X509.CAFile)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, authsource.NewX509Handler(roots, mapper, issuer))
	}

	service, err := authsource.NewService(handlers...)
	if err != nil {
		return nil, nil, err
	}
	return service, authsource.NewExtractor(oidcIssuer), nil
}

func newOIDCVerifier(ctx context.Context, cfg config.OIDCConfig) (*oidc.IDTokenVerifier, error) {
	oidcConfig := &oidc.Config{ClientID: cfg.ClientID, SkipClientIDCheck: cfg.ClientID == ""}
	if cfg.JWKSURL != "" {
		return oidc.NewVerifier(cfg.Issuer, oidc.NewRemoteKeySet(ctx, cfg.JWKSURL), oidcConfig), nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", cfg.Issuer, err)
	}
	return provider.Verifier(oidcConfig), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func buildExchangers(
	cfg *config.Config,
	service authsource.Service,
	issuer *token.Issuer,
	zosmfClient *zosmf.Client,
) (*zaas.Registry, error) {
	generator, err := passticket.NewLocalGenerator(
		cfg.PassTicket.Secret, cfg.PassTicket.Applications, cfg.PassTicket.Window.Std())
	if err != nil {
		return nil, err
	}

	exchangers := []zaas.Exchanger{
		zaas.NewPassTicketExchanger(generator),
		zaas.NewZoweJwtExchanger(service),
	}
	if cfg.SafIdt.URL != "" {
		provider := safidt.NewRESTProvider(cfg.SafIdt.URL, &http.Client{Timeout: cfg.SafIdt.Timeout.Std()})
		exchangers = append(exchangers, zaas.NewSafIdtExchanger(generator, provider))
	}
	if zosmfClient != nil {
		exchangers = append(exchangers, zaas.NewZosmfExchanger(zosmfClient, generator, issuer, cfg.Zosmf.Applid))
	}
	return zaas.NewRegistry(exchangers...)
}

func buildDecisionCache(cfg config.CacheConfig, m *metrics.Metrics) (*lbcache.Cache, error) {
	opts := []lbcache.Option{lbcache.WithMetrics(m)}
	if cfg.URL != "" {
		client, err := cachingservice.NewClient(cfg.URL, cfg.ServiceID,
			cachingservice.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Std()}))
		if err != nil {
			return nil, err
		}
		opts = append(opts, lbcache.WithRemote(client))
		if cfg.CircuitBreaker.Enabled {
			opts = append(opts, lbcache.WithCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Timeout.Std()))
		}
	}
	return lbcache.New(opts...), nil
}
