package apiml

import (
	"sort"
	"strings"
)

// Metadata keys read from service registrations.
const (
	// MetadataRoutesPrefix prefixes the per-route keys, e.g.
	// apiml.routes.api-v1.gatewayUrl and apiml.routes.api-v1.serviceUrl.
	MetadataRoutesPrefix = "apiml.routes."

	// MetadataGatewayURLSuffix ends the key holding a route's gateway URL.
	MetadataGatewayURLSuffix = ".gatewayUrl"

	// MetadataServiceURLSuffix ends the key holding a route's service URL.
	MetadataServiceURLSuffix = ".serviceUrl"

	// MetadataApimlID overrides the externally visible service id.
	MetadataApimlID = "apiml.service.apimlId"

	// MetadataAuthScheme names the credential scheme the service expects.
	MetadataAuthScheme = "apiml.authentication.scheme"

	// MetadataAuthApplid is the application name used for PassTicket and SAF IDT schemes.
	MetadataAuthApplid = "apiml.authentication.applid"

	// MetadataLBType selects the load-balancing policy, e.g. "authentication".
	MetadataLBType = "apiml.lb.type"
)

// ServiceInstance is one registered instance of a backend service.
type ServiceInstance struct {
	ServiceID  string
	InstanceID string
	// URI is the base URI of the instance, e.g. https://host:10012.
	URI      string
	Metadata map[string]string
}

// EffectiveServiceID returns the externally visible service id: the
// apimlId metadata override when set, otherwise the lowercased service id.
func (i ServiceInstance) EffectiveServiceID() string {
	if id := strings.TrimSpace(i.Metadata[MetadataApimlID]); id != "" {
		return id
	}
	return strings.ToLower(i.ServiceID)
}

// Service groups the registered instances of one service id.
type Service struct {
	ID        string
	Instances []ServiceInstance
}

// Snapshot is an immutable view of the registry at one point in time,
// keyed by lowercased service id.
type Snapshot struct {
	services map[string]Service
}

// NewSnapshot builds a snapshot from the given services. Later entries
// with the same id replace earlier ones.
func NewSnapshot(services []Service) Snapshot {
	m := make(map[string]Service, len(services))
	for _, s := range services {
		instances := make([]ServiceInstance, len(s.Instances))
		copy(instances, s.Instances)
		m[strings.ToLower(s.ID)] = Service{ID: s.ID, Instances: instances}
	}
	return Snapshot{services: m}
}

// Services returns all services ordered by id.
func (s Snapshot) Services() []Service {
	out := make([]Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instances returns the instances registered for serviceID (case-insensitive).
func (s Snapshot) Instances(serviceID string) []ServiceInstance {
	return s.services[strings.ToLower(serviceID)].Instances
}

// Len returns the number of services.
func (s Snapshot) Len() int {
	return len(s.services)
}

// InstanceSource is the registry collaborator as seen by the gateway: the
// current instances of a service and a notification when the set changes.
type InstanceSource interface {
	// Snapshot returns the current registry view.
	Snapshot() Snapshot

	// OnRefresh registers fn to be called with every new snapshot.
	OnRefresh(fn func(Snapshot))
}
