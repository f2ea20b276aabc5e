package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"ontime.transitscore.org/internal/logging"
)

// errorResponse is the JSON body for non-2xx admin API responses.
type errorResponse struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

func setJSONResponseType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}

func (api *RestAPI) sendJSON(w http.ResponseWriter, status int, v any) {
	setJSONResponseType(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(api.Logger, "failed to encode response", err)
	}
}

func (api *RestAPI) sendError(w http.ResponseWriter, code int, message string) {
	api.sendJSON(w, code, errorResponse{Code: code, Text: message})
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(api.Logger, "internal server error", err,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	api.sendError(w, http.StatusInternalServerError, "internal server error")
}
