// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the caching service command.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/apigw/pkg/api"
	v1 "github.com/stacklok/apigw/pkg/api/v1"
	"github.com/stacklok/apigw/pkg/cachingservice"
	"github.com/stacklok/apigw/pkg/logger"
)

const envPrefix = "CACHINGSERVICE"

// NewRootCmd creates the caching service command. Every flag can also be
// set through the environment, e.g. CACHINGSERVICE_REDIS_ADDRESS.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:               "cachingservice",
		DisableAutoGenTag: true,
		Short:             "Key-value store shared by gateway instances",
		Long: `cachingservice stores key-value entries per client service. Gateway
instances use it to share sticky load-balancing decisions.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("address", ":10016", "Address to listen on")
	flags.String("storage", "memory", "Storage backend: memory or redis")
	flags.String("redis-address", "localhost:6379", "Redis server address")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("redis-prefix", cachingservice.DefaultRedisKeyPrefix, "Prefix of the Redis keys")
	if err := v.BindPFlags(flags); err != nil {
		logger.Errorf("Error binding flags: %v", err)
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	var (
		storage cachingservice.Storage
		checks  []v1.HealthCheck
	)
	switch backend := v.GetString("storage"); backend {
	case "memory":
		storage = cachingservice.NewMemoryStorage()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     v.GetString("redis-address"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
		})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warnf("Failed to close Redis client: %v", err)
			}
		}()
		storage = cachingservice.NewRedisStorage(client, v.GetString("redis-prefix"))
		checks = append(checks, v1.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	default:
		return fmt.Errorf("unknown storage %q, use memory or redis", backend)
	}
	logger.Infow("caching service configured", "storage", v.GetString("storage"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Mount(api.PathHealth, v1.HealthcheckRouter(checks...))
	r.Mount(api.PathVersion, v1.VersionRouter())
	r.Handle(api.PathMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount(cachingservice.APIPath, cachingservice.NewCacheRoutes(storage).Router())

	return api.Serve(ctx, api.ServerConfig{Address: v.GetString("address")}, r)
}
