package routing

import (
	"sort"
	"strings"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/logger"
)

// RoutedService is one route advertised by a service instance: requests to
// /{serviceId}/{GatewayURL} are served by {ServiceURL} on the instance.
type RoutedService struct {
	SubServiceID string
	GatewayURL   string
	ServiceURL   string
}

// ParseRoutedServices reads the apiml.routes.<name>.gatewayUrl and
// apiml.routes.<name>.serviceUrl pairs from instance metadata. Incomplete
// pairs are skipped. The result is ordered by gateway URL length, longest
// first, so that more specific routes are matched before general ones.
func ParseRoutedServices(metadata map[string]string) []RoutedService {
	byName := make(map[string]*RoutedService)
	for key, value := range metadata {
		rest, ok := strings.CutPrefix(key, apiml.MetadataRoutesPrefix)
		if !ok {
			continue
		}

		var name string
		var gateway bool
		switch {
		case strings.HasSuffix(rest, apiml.MetadataGatewayURLSuffix):
			name, gateway = strings.TrimSuffix(rest, apiml.MetadataGatewayURLSuffix), true
		case strings.HasSuffix(rest, apiml.MetadataServiceURLSuffix):
			name = strings.TrimSuffix(rest, apiml.MetadataServiceURLSuffix)
		default:
			continue
		}
		if name == "" {
			continue
		}

		rs, ok := byName[name]
		if !ok {
			rs = &RoutedService{SubServiceID: name}
			byName[name] = rs
		}
		if gateway {
			rs.GatewayURL = value
		} else {
			rs.ServiceURL = value
		}
	}

	out := make([]RoutedService, 0, len(byName))
	for _, rs := range byName {
		if rs.GatewayURL == "" || rs.ServiceURL == "" {
			logger.Debugf("Skipping incomplete route %q in service metadata", rs.SubServiceID)
			continue
		}
		out = append(out, *rs)
	}

	sort.Slice(out, func(i, j int) bool {
		li, lj := len(strings.Trim(out[i].GatewayURL, "/")), len(strings.Trim(out[j].GatewayURL, "/"))
		if li != lj {
			return li > lj
		}
		return out[i].SubServiceID < out[j].SubServiceID
	})
	return out
}

// joinPath joins URL path segments into an absolute path with single
// slashes and no trailing slash. No segments yield "/".
func joinPath(segments ...string) string {
	var parts []string
	for _, s := range segments {
		for _, p := range strings.Split(s, "/") {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}
