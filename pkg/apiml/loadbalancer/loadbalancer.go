// Package loadbalancer picks the instance that serves a request.
package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/lbcache"
	"github.com/stacklok/apigw/pkg/logger"
)

// TypeAuthentication is the apiml.lb.type value that keeps each user on the
// instance that first served them.
const TypeAuthentication = "authentication"

// Balancer chooses among the instances of a service. Services marked with
// apiml.lb.type=authentication are sticky per user through the decision
// cache; all others are served round-robin.
type Balancer struct {
	cache      *lbcache.Cache
	expiration time.Duration

	counters sync.Map // service id -> *atomic.Uint64
	now      func() time.Time
}

// New creates a balancer. Sticky decisions older than expiration are made
// again; zero keeps them forever.
func New(cache *lbcache.Cache, expiration time.Duration) *Balancer {
	return &Balancer{cache: cache, expiration: expiration, now: time.Now}
}

// Choose returns the instance to use. user is the caller's mainframe user
// and may be empty.
func (b *Balancer) Choose(ctx context.Context, instances []apiml.ServiceInstance, user string) (apiml.ServiceInstance, error) {
	if len(instances) == 0 {
		return apiml.ServiceInstance{}, fmt.Errorf("%w: no instances available", apiml.ErrServiceUnavailable)
	}
	service := strings.ToLower(instances[0].ServiceID)

	if user != "" && b.cache != nil && sticky(instances) {
		return b.chooseSticky(ctx, service, instances, user), nil
	}
	return b.roundRobin(service, instances), nil
}

func sticky(instances []apiml.ServiceInstance) bool {
	return strings.EqualFold(strings.TrimSpace(instances[0].Metadata[apiml.MetadataLBType]), TypeAuthentication)
}

func (b *Balancer) chooseSticky(ctx context.Context, service string, instances []apiml.ServiceInstance, user string) apiml.ServiceInstance {
	record, err := b.cache.Retrieve(ctx, user, service)
	switch {
	case err != nil && !errors.Is(err, apiml.ErrNotFound):
		logger.Debugf("Load balancer decision for %s on %s unavailable: %v", user, service, err)
	case err == nil && b.expired(record):
		logger.Debugf("Load balancer decision for %s on %s expired", user, service)
		b.cache.Delete(ctx, user, service)
	case err == nil:
		for _, inst := range instances {
			if inst.InstanceID == record.InstanceID {
				return inst
			}
		}
		logger.Debugf("Instance %s of %s is gone, choosing again for %s", record.InstanceID, service, user)
	}

	chosen := instances[0]
	if err := b.cache.Store(ctx, user, service, lbcache.Record{InstanceID: chosen.InstanceID, CreationTime: b.now()}); err != nil {
		logger.Warnf("Failed to store load balancer decision for %s on %s: %v", user, service, err)
	}
	return chosen
}

func (b *Balancer) expired(record lbcache.Record) bool {
	return b.expiration > 0 && b.now().Sub(record.CreationTime) > b.expiration
}

func (b *Balancer) roundRobin(service string, instances []apiml.ServiceInstance) apiml.ServiceInstance {
	v, _ := b.counters.LoadOrStore(service, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return instances[n%uint64(len(instances))]
}
