package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stacklok/apigw/pkg/apiml"
)

// Producer builds one kind of route for an instance and one of its routed
// services. Producers with a lower Order are evaluated first.
type Producer interface {
	Order() int
	Produce(instance apiml.ServiceInstance, routed RoutedService) (RouteDefinition, error)
}

// ByInstanceID routes requests carrying an X-InstanceId header straight to
// that instance without rewriting the path.
type ByInstanceID struct{}

// Order implements Producer.
func (ByInstanceID) Order() int { return 0 }

// Produce implements Producer.
func (ByInstanceID) Produce(instance apiml.ServiceInstance, routed RoutedService) (RouteDefinition, error) {
	if instance.InstanceID == "" {
		return RouteDefinition{}, fmt.Errorf("service %s: instance without id", instance.ServiceID)
	}
	if instance.URI == "" {
		return RouteDefinition{}, fmt.Errorf("instance %s: no URI", instance.InstanceID)
	}

	return RouteDefinition{
		ID: fmt.Sprintf("%s:%s:instance", instance.InstanceID, routed.SubServiceID),
		Predicates: []Predicate{
			{Name: PredicateHeader, Args: []string{HeaderInstanceID, instance.InstanceID}},
		},
		URI:       instance.URI,
		ServiceID: instance.ServiceID,
		Metadata:  instance.Metadata,
	}, nil
}

// ByBasePath routes /{serviceId}/{gatewayUrl}/... to the service URL of a
// load-balanced instance of the service.
type ByBasePath struct{}

// Order implements Producer.
func (ByBasePath) Order() int { return 1 }

// Produce implements Producer.
func (ByBasePath) Produce(instance apiml.ServiceInstance, routed RoutedService) (RouteDefinition, error) {
	serviceID := instance.EffectiveServiceID()
	if serviceID == "" {
		return RouteDefinition{}, fmt.Errorf("instance %s: no service id", instance.InstanceID)
	}
	if strings.ContainsAny(serviceID, "/ ") {
		return RouteDefinition{}, fmt.Errorf("instance %s: invalid service id %q", instance.InstanceID, serviceID)
	}

	prefix := joinPath(serviceID, routed.GatewayURL)
	target := joinPath(routed.ServiceURL)

	remaining := target + "/${remaining}"
	if target == "/" {
		remaining = "/${remaining}"
	}

	return RouteDefinition{
		ID: fmt.Sprintf("%s:%s:path", instance.InstanceID, routed.SubServiceID),
		Predicates: []Predicate{
			{Name: PredicatePath, Args: []string{prefix + "/**", prefix}},
		},
		Filters: []Filter{
			{Name: FilterRewritePath, Args: []string{regexp.QuoteMeta(prefix) + "/(?<remaining>.*)", remaining}},
			{Name: FilterRewritePath, Args: []string{regexp.QuoteMeta(prefix), target}},
		},
		URI:       SchemeLoadBalanced + "://" + strings.ToLower(instance.ServiceID),
		ServiceID: instance.ServiceID,
		Metadata:  instance.Metadata,
	}, nil
}

// DefaultProducers returns the producers the gateway uses.
func DefaultProducers() []Producer {
	return []Producer{ByInstanceID{}, ByBasePath{}}
}
