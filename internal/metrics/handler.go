package metrics

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Endpoint is where the dev server exposes the JSON snapshot.
const Endpoint = "/__devserver/metrics"

// Handler serves the current snapshot as JSON. breakers, when non-nil, is
// asked for circuit breaker states on every request.
func (c *Collector) Handler(breakers func() map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var states map[string]string
		if breakers != nil {
			states = breakers()
		}
		snap := c.metrics.Snapshot(states)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
