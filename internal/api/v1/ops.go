package v1

import (
	"context"
	"net/http"
)

// handleTriggerSync kicks off a full sync pass out of band. The engine's
// single-flight guard makes overlapping requests a no-op. The sync
// outlives the request, so it gets a fresh context.
func (r *Router) handleTriggerSync(w http.ResponseWriter, req *http.Request) {
	go r.engine.SyncAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

// handleQueueStats returns a snapshot of execution queue activity.
func (r *Router) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.queue.GetStats())
}

// handleBasicMetrics returns the in-process counters as JSON. The full
// Prometheus exposition lives at /metrics.
func (r *Router) handleBasicMetrics(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.metrics.GetMetrics())
}

// HealthHandler reports process health including database and Redis
// connectivity. Mounted outside the versioned prefix.
func (r *Router) HealthHandler(w http.ResponseWriter, req *http.Request) {
	status := http.StatusOK
	checks := map[string]string{
		"database": "ok",
		"redis":    "ok",
	}

	if err := r.db.Health(req.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := r.redis.Ping(req.Context()); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"status": "ok",
		"checks": checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
