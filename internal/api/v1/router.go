// Package v1 provides version 1 of the HTTP API: the OAuth connect
// flow, rule management and the operational endpoints.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/potmatic/potmatic/internal/auth"
	"github.com/potmatic/potmatic/internal/automation"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/queue"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/scheduler"
	"github.com/potmatic/potmatic/internal/syncer"
	"github.com/potmatic/potmatic/internal/token"
	"github.com/potmatic/potmatic/internal/utils"
)

// Router holds the dependencies needed for v1 API routes.
type Router struct {
	repos      *repository.Repositories
	db         *repository.DB
	redis      *repository.RedisClient
	oauth      *monzo.OAuth
	states     *auth.StateManager
	tokens     *token.Store
	engine     *syncer.Engine
	integrator *automation.Integrator
	scheduler  *scheduler.Scheduler
	queue      *queue.Manager
	metrics    *utils.MetricsCollector
}

// NewRouter creates a new v1 API router.
func NewRouter(
	repos *repository.Repositories,
	db *repository.DB,
	redis *repository.RedisClient,
	oauth *monzo.OAuth,
	states *auth.StateManager,
	tokens *token.Store,
	engine *syncer.Engine,
	integrator *automation.Integrator,
	sched *scheduler.Scheduler,
	q *queue.Manager,
	metrics *utils.MetricsCollector,
) *Router {
	return &Router{
		repos:      repos,
		db:         db,
		redis:      redis,
		oauth:      oauth,
		states:     states,
		tokens:     tokens,
		engine:     engine,
		integrator: integrator,
		scheduler:  sched,
		queue:      q,
		metrics:    metrics,
	}
}

// RegisterRoutes registers all v1 API routes on the provided mux.
func (r *Router) RegisterRoutes(mux *http.ServeMux) {
	// Health/ping endpoint
	mux.HandleFunc("GET /api/v1/ping", r.handlePing)

	// OAuth connect flow
	mux.HandleFunc("GET /api/v1/auth/monzo", r.handleConnect)
	mux.HandleFunc("GET /api/v1/auth/monzo/callback", r.handleCallback)

	// Rule routes
	mux.HandleFunc("POST /api/v1/rules", r.handleCreateRule)
	mux.HandleFunc("GET /api/v1/rules", r.handleListRules)
	mux.HandleFunc("GET /api/v1/rules/{id}", r.handleGetRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", r.handleUpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", r.handleDeleteRule)
	mux.HandleFunc("POST /api/v1/rules/{id}/execute", r.handleExecuteRule)

	// Pot category routes
	mux.HandleFunc("GET /api/v1/pots", r.handleListPots)
	mux.HandleFunc("PUT /api/v1/pots/{id}/category", r.handleAssignCategory)
	mux.HandleFunc("DELETE /api/v1/pots/{id}/category", r.handleRemoveCategory)

	// Operational routes
	mux.HandleFunc("POST /api/v1/sync", r.handleTriggerSync)
	mux.HandleFunc("GET /api/v1/queue/stats", r.handleQueueStats)
	mux.HandleFunc("GET /api/v1/metrics/basic", r.handleBasicMetrics)
}

// handlePing responds to ping requests for testing connectivity.
func (r *Router) handlePing(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		utils.Error("failed to encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message, "code": status})
}
