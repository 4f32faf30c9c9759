// Package registry holds the gateway's view of the registered services.
package registry

import (
	"strings"
	"sync"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/config"
	"github.com/stacklok/apigw/pkg/logger"
)

// Registry is an in-process apiml.InstanceSource. Updates replace the whole
// snapshot and notify every listener.
type Registry struct {
	mu        sync.RWMutex
	snapshot  apiml.Snapshot
	listeners []func(apiml.Snapshot)
}

// New creates a registry holding services.
func New(services ...apiml.Service) *Registry {
	return &Registry{snapshot: apiml.NewSnapshot(services)}
}

// FromConfig creates a registry seeded with the statically configured services.
func FromConfig(cfg config.RegistryConfig) *Registry {
	return New(ServicesFromConfig(cfg.Services)...)
}

// ServicesFromConfig converts configured services into registry services.
// Instances inherit the service id.
func ServicesFromConfig(services []config.ServiceConfig) []apiml.Service {
	out := make([]apiml.Service, 0, len(services))
	for _, sc := range services {
		svc := apiml.Service{ID: sc.ID}
		for _, ic := range sc.Instances {
			svc.Instances = append(svc.Instances, apiml.ServiceInstance{
				ServiceID:  sc.ID,
				InstanceID: ic.InstanceID,
				URI:        strings.TrimSuffix(ic.URI, "/"),
				Metadata:   copyMetadata(ic.Metadata),
			})
		}
		out = append(out, svc)
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot implements apiml.InstanceSource.
func (r *Registry) Snapshot() apiml.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// OnRefresh implements apiml.InstanceSource.
func (r *Registry) OnRefresh(fn func(apiml.Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Update replaces the registered services and notifies listeners. Listeners
// run on the calling goroutine, outside the registry lock.
func (r *Registry) Update(services []apiml.Service) {
	snapshot := apiml.NewSnapshot(services)

	r.mu.Lock()
	r.snapshot = snapshot
	listeners := make([]func(apiml.Snapshot), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	logger.Debugf("Registry updated with %d services", snapshot.Len())
	for _, fn := range listeners {
		fn(snapshot)
	}
}
