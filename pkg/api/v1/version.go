package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/apigw/pkg/logger"
	"github.com/stacklok/apigw/pkg/versions"
)

// VersionRouter sets up the version route.
func VersionRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", getVersion)
	return r
}

type versionResponse struct {
	Version string `json:"version"`
}

//	 getVersion
//		@Summary		Get server version
//		@Description	Returns the version of the gateway
//		@Tags			version
//		@Produce		json
//		@Success		200	{object}	versionResponse
//		@Router			/application/version [get]
func getVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(versionResponse{Version: versions.GetVersionInfo().Version}); err != nil {
		logger.Debugf("Failed to write version response: %v", err)
	}
}
