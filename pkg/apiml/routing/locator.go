package routing

import (
	"sort"
	"strings"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/logger"
)

// Locator generates the route definitions of a registry snapshot.
type Locator struct {
	producers []Producer
}

// NewLocator creates a locator. Producers are evaluated by Order.
func NewLocator(producers ...Producer) *Locator {
	sorted := make([]Producer, len(producers))
	copy(sorted, producers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Locator{producers: sorted}
}

// Build produces one definition per producer, instance and routed service.
// All definitions of a producer come before those of the next producer;
// within a producer, routed services are visited longest gateway URL first.
// Each definition gets the next order number, so earlier definitions take
// precedence. A definition a producer cannot build is logged and left out.
func (l *Locator) Build(snapshot apiml.Snapshot) []RouteDefinition {
	var defs []RouteDefinition
	order := 0

	services := snapshot.Services()
	for _, p := range l.producers {
		for _, svc := range services {
			for _, instance := range svc.Instances {
				auth := authFilter(instance.Metadata)
				for _, routed := range ParseRoutedServices(instance.Metadata) {
					def, err := p.Produce(instance, routed)
					if err != nil {
						logger.Warnw("skipping route",
							"service", instance.ServiceID, "instance", instance.InstanceID,
							"route", routed.SubServiceID, "error", err)
						continue
					}
					def.Order = order
					order++
					if auth != nil {
						def.Filters = append(def.Filters, *auth)
					}
					defs = append(defs, def)
				}
			}
		}
	}
	return defs
}

func authFilter(metadata map[string]string) *Filter {
	scheme := strings.TrimSpace(metadata[apiml.MetadataAuthScheme])
	if scheme == "" {
		return nil
	}
	return &Filter{
		Name: FilterServiceAuthentication,
		Args: []string{scheme, strings.TrimSpace(metadata[apiml.MetadataAuthApplid])},
	}
}
