package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Handler serves the latest report as JSON, running a check when the last
// one is older than maxAge or maxAge is zero. Critical reports are served with 503.
func (c *Checker) Handler(maxAge time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report, ok := c.Last()
		if !ok || maxAge <= 0 || c.now().Sub(report.CheckedAt) > maxAge {
			report = c.Check(r.Context())
		}

		status := http.StatusOK
		if report.Status == StatusCritical {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			c.logger.ErrorContext(r.Context(), "failed to write health report", "error", err)
		}
	})
}
