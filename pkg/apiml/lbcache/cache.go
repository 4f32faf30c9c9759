// Package lbcache remembers which instance served a user of a service so
// later requests of the same user stick to it. Decisions are kept locally
// and, when configured, in the shared caching service so that all gateway
// instances agree.
package lbcache

//go:generate mockgen -destination=mocks/mock_remote.go -package=mocks -source=cache.go RemoteStore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/cachingservice"
	"github.com/stacklok/apigw/pkg/logger"
)

// KeyPrefix starts every key this package writes. The remote store is
// shared with other producers.
const KeyPrefix = "lb."

// Record is a load-balancing decision.
type Record struct {
	InstanceID   string    `json:"instanceId"`
	CreationTime time.Time `json:"creationTime"`
}

// None is the record returned when no decision is cached.
var None = Record{}

// Key returns the cache key of the decision for a user of a service.
func Key(user, service string) string {
	return KeyPrefix + user + ":" + service
}

// RemoteStore is the shared cache tier.
type RemoteStore interface {
	Create(ctx context.Context, kv cachingservice.KeyValue) error
	Read(ctx context.Context, key string) (cachingservice.KeyValue, error)
	Update(ctx context.Context, kv cachingservice.KeyValue) error
	Delete(ctx context.Context, key string) error
}

var errCircuitOpen = errors.New("remote cache circuit is open")

// Cache is the two-tier decision cache. It is safe for concurrent use;
// operations on different keys never wait on each other in the local tier.
type Cache struct {
	local   sync.Map
	remote  RemoteStore
	breaker *circuitBreaker
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithRemote adds the shared tier.
func WithRemote(remote RemoteStore) Option {
	return func(c *Cache) {
		c.remote = remote
	}
}

// WithCircuitBreaker skips the remote tier for timeout after threshold
// consecutive remote failures.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Cache) {
		c.breaker = newCircuitBreaker(threshold, timeout)
	}
}

// WithMetrics counts remote failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache. Without WithRemote only the local tier is used.
func New(opts ...Option) *Cache {
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store saves the decision locally, then in the remote tier. An existing
// remote entry is updated. Remote failures are logged and do not fail the
// call.
func (c *Cache) Store(ctx context.Context, user, service string, record Record) error {
	if user == "" || service == "" {
		return fmt.Errorf("%w: user and service are required", apiml.ErrInvalidInput)
	}
	key := Key(user, service)
	c.local.Store(key, record)

	if c.remote == nil {
		return nil
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode load balancer record: %w", err)
	}
	kv := cachingservice.KeyValue{Key: key, Value: string(value)}

	err = c.call("create", func() error { return c.remote.Create(ctx, kv) })
	if errors.Is(err, apiml.ErrConflict) {
		err = c.call("update", func() error { return c.remote.Update(ctx, kv) })
	}
	if err != nil {
		logger.Warnf("Failed to store load balancer decision %s remotely: %v", key, err)
	}
	return nil
}

// Retrieve returns the decision for a user of a service. The remote tier
// wins when it answers; otherwise the local tier is used. When neither has
// the key, None is returned with an error wrapping apiml.ErrNotFound.
func (c *Cache) Retrieve(ctx context.Context, user, service string) (Record, error) {
	key := Key(user, service)

	if c.remote != nil {
		var kv cachingservice.KeyValue
		err := c.call("read", func() error {
			var err error
			kv, err = c.remote.Read(ctx, key)
			return err
		})
		if err == nil {
			var record Record
			if decodeErr := json.Unmarshal([]byte(kv.Value), &record); decodeErr == nil && record.InstanceID != "" {
				c.local.Store(key, record)
				return record, nil
			}
			logger.Warnf("Ignoring undecodable load balancer record %s", key)
		} else if !errors.Is(err, apiml.ErrNotFound) {
			logger.Debugf("Remote load balancer cache unavailable for %s: %v", key, err)
		}
	}

	if v, ok := c.local.Load(key); ok {
		return v.(Record), nil
	}
	return None, fmt.Errorf("%w: no load balancer decision for %s", apiml.ErrNotFound, key)
}

// Delete forgets the decision in both tiers. Remote failures are logged.
func (c *Cache) Delete(ctx context.Context, user, service string) {
	key := Key(user, service)
	c.local.Delete(key)

	if c.remote == nil {
		return
	}
	err := c.call("delete", func() error { return c.remote.Delete(ctx, key) })
	if err != nil && !errors.Is(err, apiml.ErrNotFound) {
		logger.Warnf("Failed to delete load balancer decision %s remotely: %v", key, err)
	}
}

// call runs a remote operation through the circuit breaker. Conflicts and
// missing keys are answers, not failures.
func (c *Cache) call(op string, fn func() error) error {
	if c.breaker != nil && !c.breaker.CanAttempt() {
		return errCircuitOpen
	}

	err := fn()
	if err == nil || errors.Is(err, apiml.ErrConflict) || errors.Is(err, apiml.ErrNotFound) {
		if c.breaker != nil {
			c.breaker.RecordSuccess()
		}
		return err
	}

	c.metrics.RemoteCacheFailure(op)
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
	return err
}
