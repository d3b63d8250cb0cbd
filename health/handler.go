package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the monitor's aggregate status as JSON. Unhealthy
// reports 503 so load balancers stop routing; degraded still reports
// 200.
func Handler(service string, monitor *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := monitor.Overall(service)

		code := http.StatusOK
		if status.State == StateUnhealthy {
			code = http.StatusServiceUnavailable
		}

		body, err := json.Marshal(status)
		if err != nil {
			http.Error(w, "status serialization failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	})
}
