package restapi

import (
	"net/http"

	"ontime.transitscore.org/internal/logging"
)

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// healthHandler verifies database connectivity. It returns 503 Service
// Unavailable when the pipeline database is missing or unreachable.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	if api.Application == nil || api.ScoreDB == nil || api.ScoreDB.DB == nil {
		api.sendJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unavailable",
			Detail: "database not initialized",
		})
		return
	}

	if err := api.ScoreDB.DB.PingContext(r.Context()); err != nil {
		logging.LogError(api.Logger, "database ping failed", err)
		api.sendJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unavailable",
			Detail: "database connection failed",
		})
		return
	}

	api.sendJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
