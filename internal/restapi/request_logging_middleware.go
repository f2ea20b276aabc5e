package restapi

import (
	"log/slog"
	"net/http"
	"time"

	"ontime.transitscore.org/internal/logging"
)

// statusRecorder captures the status code written by downstream handlers
// for the logging and metrics middleware. Handlers that never call
// WriteHeader implicitly respond 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// NewRequestLoggingMiddleware logs every admin request with its status,
// latency and request ID, and stores the logger in the request context
// for downstream handlers.
func NewRequestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(logging.WithLogger(r.Context(), logger)))

			logging.LogHTTPRequest(logger,
				r.Method,
				r.URL.Path,
				rec.status,
				float64(time.Since(start).Microseconds())/1e3,
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("user_agent", r.UserAgent()),
				slog.String("component", "admin_api"))
		})
	}
}
