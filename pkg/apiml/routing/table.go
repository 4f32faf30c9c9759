package routing

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/logger"
)

// Match is the result of routing a request.
type Match struct {
	Route RouteDefinition
	// Path is the request path after the route's rewrite filters.
	Path string
}

// Table holds the current route definitions.
//
// It is safe for concurrent use. Rebuilds replace the whole table, so a
// reader sees either the previous or the next set of routes.
type Table struct {
	locator *Locator
	metrics *metrics.Metrics

	mu     sync.RWMutex
	routes []compiledRoute
}

// NewTable creates an empty table.
func NewTable(locator *Locator, m *metrics.Metrics) *Table {
	return &Table{locator: locator, metrics: m}
}

// Watch builds the table from the source's current snapshot and rebuilds it
// on every refresh.
func (t *Table) Watch(source apiml.InstanceSource) {
	t.Rebuild(source.Snapshot())
	source.OnRefresh(t.Rebuild)
}

// Rebuild replaces the table with the routes of snapshot.
func (t *Table) Rebuild(snapshot apiml.Snapshot) {
	t.Update(t.locator.Build(snapshot))
}

// Update replaces the table with defs, ordered by Order. Definitions whose
// filters cannot be compiled are skipped.
func (t *Table) Update(defs []RouteDefinition) {
	sorted := make([]RouteDefinition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	routes := make([]compiledRoute, 0, len(sorted))
	for _, def := range sorted {
		c, err := compile(def)
		if err != nil {
			logger.Warnf("Skipping route: %v", err)
			continue
		}
		routes = append(routes, c)
	}

	t.mu.Lock()
	t.routes = routes
	t.mu.Unlock()

	t.metrics.RoutesRebuilt(len(routes))
	logger.Debugf("Routing table rebuilt with %d routes", len(routes))
}

// Routes returns the current definitions in order.
func (t *Table) Routes() []RouteDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteDefinition, len(t.routes))
	for i, c := range t.routes {
		out[i] = c.def
	}
	return out
}

// Match returns the first route, by order, whose predicates all hold for r.
func (t *Table) Match(r *http.Request) (*Match, error) {
	t.mu.RLock()
	routes := t.routes
	t.mu.RUnlock()

	for _, c := range routes {
		if !c.matches(r) {
			continue
		}
		if path, ok := c.rewritePath(r.URL.Path); ok {
			return &Match{Route: c.def, Path: path}, nil
		}
		logger.Warnf("Route %s matched %q but none of its rewrites did", c.def.ID, r.URL.Path)
	}
	return nil, fmt.Errorf("%w: no route for %s", apiml.ErrNotFound, r.URL.Path)
}
