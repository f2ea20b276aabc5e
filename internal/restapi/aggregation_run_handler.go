package restapi

import (
	"net/http"

	"ontime.transitscore.org/internal/aggregation"
)

// aggregationRunRequest carries optional per-run overrides. Omitted
// fields fall back to the configured defaults; the booleans are pointers
// so an absent field is distinguishable from an explicit false.
type aggregationRunRequest struct {
	LookbackDays int   `json:"lookback_days"`
	DryRun       *bool `json:"dry_run"`
	StrictMode   *bool `json:"strict_mode"`
}

func (api *RestAPI) aggregationRunHandler(w http.ResponseWriter, r *http.Request) {
	var req aggregationRunRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.LookbackDays < 0 {
		api.sendError(w, http.StatusBadRequest, "lookback_days must be non-negative")
		return
	}

	if !api.aggregationMu.TryLock() {
		api.sendError(w, http.StatusConflict, "an aggregation run is already in progress")
		return
	}
	defer api.aggregationMu.Unlock()

	cfg := aggregation.Config{
		LookbackDays: req.LookbackDays,
		DryRun:       api.AggregationConfig.DryRun,
		StrictMode:   api.AggregationConfig.StrictMode,
	}
	if req.DryRun != nil {
		cfg.DryRun = *req.DryRun
	}
	if req.StrictMode != nil {
		cfg.StrictMode = *req.StrictMode
	}

	engine := api.NewAggregationEngine(cfg)
	summary, err := engine.Run(r.Context())
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendJSON(w, http.StatusOK, summary)
}
