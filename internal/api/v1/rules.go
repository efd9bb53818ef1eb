package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

// ruleRequest is the create/update payload. Config is passed through to
// the rule model, which validates it per family.
type ruleRequest struct {
	MonzoUserID string            `json:"monzo_user_id"`
	Family      domain.RuleFamily `json:"family"`
	Name        string            `json:"name"`
	Enabled     bool              `json:"enabled"`
	Config      json.RawMessage   `json:"config"`
}

// handleCreateRule creates a rule and registers its scheduler ticker.
func (r *Router) handleCreateRule(w http.ResponseWriter, req *http.Request) {
	var body ruleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rule := &domain.Rule{
		RuleID:      uuid.New().String(),
		MonzoUserID: body.MonzoUserID,
		Family:      body.Family,
		Name:        body.Name,
		Enabled:     body.Enabled,
		Config:      body.Config,
	}

	if err := r.repos.Rules.Create(req.Context(), rule); err != nil {
		if errors.Is(err, domain.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.Error("failed to create rule", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	if rule.Enabled {
		r.scheduler.AddRule(req.Context(), rule)
	}

	writeJSON(w, http.StatusCreated, rule)
}

// handleListRules lists a user's rules. monzo_user_id is required.
func (r *Router) handleListRules(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("monzo_user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "monzo_user_id query parameter is required")
		return
	}

	rules, err := r.repos.Rules.ListForUser(req.Context(), userID)
	if err != nil {
		utils.Error("failed to list rules", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (r *Router) handleGetRule(w http.ResponseWriter, req *http.Request) {
	rule, err := r.repos.Rules.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule replaces the user-editable fields and re-registers the
// scheduler ticker, since the trigger type may have changed.
func (r *Router) handleUpdateRule(w http.ResponseWriter, req *http.Request) {
	ruleID := req.PathValue("id")

	existing, err := r.repos.Rules.GetByID(req.Context(), ruleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}

	var body ruleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	existing.Name = body.Name
	existing.Enabled = body.Enabled
	existing.Config = body.Config

	if err := r.repos.Rules.Update(req.Context(), existing); err != nil {
		if errors.Is(err, domain.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.Error("failed to update rule", "rule_id", ruleID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	r.scheduler.ReplaceRule(req.Context(), existing)
	if !existing.Enabled {
		r.queue.RemoveRule(ruleID)
	}

	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteRule removes the rule, its scheduler ticker and any queued
// executions.
func (r *Router) handleDeleteRule(w http.ResponseWriter, req *http.Request) {
	ruleID := req.PathValue("id")

	if err := r.repos.Rules.Delete(req.Context(), ruleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		utils.Error("failed to delete rule", "rule_id", ruleID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	r.scheduler.RemoveRule(ruleID)
	r.queue.RemoveRule(ruleID)

	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteRule enqueues a manual execution, bypassing the trigger
// evaluator.
func (r *Router) handleExecuteRule(w http.ResponseWriter, req *http.Request) {
	ruleID := req.PathValue("id")

	if err := r.integrator.ExecuteManual(req.Context(), ruleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		if errors.Is(err, domain.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.Error("manual execution failed to enqueue", "rule_id", ruleID, "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"rule_id": ruleID,
		"status":  "enqueued",
	})
}
