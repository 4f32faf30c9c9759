// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apigw"

// Metrics groups the collectors recorded by the gateway components.
type Metrics struct {
	exchanges      *prometheus.CounterVec
	cacheFailures  *prometheus.CounterVec
	routeRebuilds  prometheus.Counter
	routes         prometheus.Gauge
	zosmfDuration  *prometheus.HistogramVec
	proxyResponses *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "zaas",
			Name:      "exchanges_total",
			Help:      "Credential exchanges by scheme and response status.",
		}, []string{"scheme", "status"}),
		cacheFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lbcache",
			Name:      "remote_failures_total",
			Help:      "Failed calls to the remote load-balancer cache tier by operation.",
		}, []string{"operation"}),
		routeRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "table_rebuilds_total",
			Help:      "Routing table rebuilds.",
		}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "routes",
			Help:      "Route definitions in the current routing table.",
		}),
		zosmfDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "zosmf",
			Name:      "request_duration_seconds",
			Help:      "Latency of calls to z/OSMF by endpoint and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "outcome"}),
		proxyResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "responses_total",
			Help:      "Proxied responses by service and status.",
		}, []string{"service", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.exchanges, m.cacheFailures, m.routeRebuilds, m.routes, m.zosmfDuration, m.proxyResponses,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveExchange counts a credential exchange outcome.
func (m *Metrics) ObserveExchange(scheme string, status int) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(scheme, strconv.Itoa(status)).Inc()
}

// RemoteCacheFailure counts a failed remote cache call.
func (m *Metrics) RemoteCacheFailure(operation string) {
	if m == nil {
		return
	}
	m.cacheFailures.WithLabelValues(operation).Inc()
}

// RoutesRebuilt records a routing table rebuild with n definitions.
func (m *Metrics) RoutesRebuilt(n int) {
	if m == nil {
		return
	}
	m.routeRebuilds.Inc()
	m.routes.Set(float64(n))
}

// ObserveZosmf records the latency of a z/OSMF call.
func (m *Metrics) ObserveZosmf(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.zosmfDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// ObserveProxy counts a proxied response.
func (m *Metrics) ObserveProxy(service string, status int) {
	if m == nil {
		return
	}
	m.proxyResponses.WithLabelValues(service, strconv.Itoa(status)).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
