package restapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ontime.transitscore.org/internal/matching"
)

// matchingRunRequest carries optional per-run overrides. Omitted fields
// fall back to the configured defaults; strict_mode is a pointer so an
// absent field is distinguishable from an explicit false.
type matchingRunRequest struct {
	WindowMinutes int   `json:"window_minutes"`
	MaxCandidates int   `json:"max_candidates"`
	BatchSize     int   `json:"batch_size"`
	StrictMode    *bool `json:"strict_mode"`
}

func (api *RestAPI) matchingRunHandler(w http.ResponseWriter, r *http.Request) {
	var req matchingRunRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.WindowMinutes < 0 || req.MaxCandidates < 0 || req.BatchSize < 0 {
		api.sendError(w, http.StatusBadRequest, "parameters must be non-negative")
		return
	}

	if !api.matchingMu.TryLock() {
		api.sendError(w, http.StatusConflict, "a matching run is already in progress")
		return
	}
	defer api.matchingMu.Unlock()

	cfg := matching.Config{
		WindowMinutes: req.WindowMinutes,
		MaxCandidates: req.MaxCandidates,
		BatchSize:     req.BatchSize,
		StrictMode:    api.MatchingConfig.StrictMode,
	}
	if req.StrictMode != nil {
		cfg.StrictMode = *req.StrictMode
	}

	engine := api.NewMatchingEngine(cfg)
	summary, err := engine.Run(r.Context())
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendJSON(w, http.StatusOK, summary)
}

// decodeOptionalBody parses a JSON body when one is present; an empty
// body leaves the target untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
