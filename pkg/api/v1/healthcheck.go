package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/apigw/pkg/logger"
)

const (
	statusUp   = "UP"
	statusDown = "DOWN"

	healthCheckTimeout = 5 * time.Second
)

// HealthCheck reports whether one component the gateway depends on is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthcheckRouter sets up healthcheck route.
func HealthcheckRouter(checks ...HealthCheck) http.Handler {
	routes := &healthcheckRoutes{checks: checks}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	checks []HealthCheck
}

type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentHealth `json:"components,omitempty"`
}

//	 getHealthcheck
//		@Summary		Health check
//		@Description	Report the gateway status and the status of each dependency
//		@Tags			system
//		@Produce		json
//		@Success		200	{object}	healthResponse
//		@Failure		503	{object}	healthResponse
//		@Router			/application/health [get]
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: statusUp}
	if len(h.checks) > 0 {
		resp.Components = make(map[string]componentHealth, len(h.checks))
	}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			logger.Debugf("Health check %s failed: %v", c.Name, err)
			resp.Status = statusDown
			resp.Components[c.Name] = componentHealth{Status: statusDown, Detail: err.Error()}
			continue
		}
		resp.Components[c.Name] = componentHealth{Status: statusUp}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != statusUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debugf("Failed to write health response: %v", err)
	}
}
