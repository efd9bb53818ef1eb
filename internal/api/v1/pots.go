package v1

import (
	"encoding/json"
	"net/http"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

// handleListPots lists a user's mirrored pots with their category
// assignments. monzo_user_id is required.
func (r *Router) handleListPots(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("monzo_user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "monzo_user_id query parameter is required")
		return
	}

	pots, err := r.repos.Pots.ListForUser(req.Context(), userID)
	if err != nil {
		utils.Error("failed to list pots", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to list pots")
		return
	}

	assignments, err := r.repos.Categories.ListForUser(req.Context(), userID)
	if err != nil {
		utils.Error("failed to list pot categories", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to list pot categories")
		return
	}

	categories := make(map[string]domain.PotCategory, len(assignments))
	for _, a := range assignments {
		categories[a.PotID] = a.Category
	}

	type potView struct {
		*domain.Pot
		Category domain.PotCategory `json:"category,omitempty"`
	}
	views := make([]potView, 0, len(pots))
	for _, pot := range pots {
		views = append(views, potView{Pot: pot, Category: categories[pot.PotID]})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pots":  views,
		"total": len(views),
	})
}

// handleAssignCategory sets the category for a pot, replacing any
// previous assignment.
func (r *Router) handleAssignCategory(w http.ResponseWriter, req *http.Request) {
	var body struct {
		MonzoUserID string             `json:"monzo_user_id"`
		Category    domain.PotCategory `json:"category"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	assignment := &domain.UserPotCategory{
		MonzoUserID: body.MonzoUserID,
		PotID:       req.PathValue("id"),
		Category:    body.Category,
	}
	if err := assignment.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.repos.Categories.Assign(req.Context(), assignment); err != nil {
		utils.Error("failed to assign pot category",
			"pot_id", assignment.PotID,
			"error", err.Error(),
		)
		writeError(w, http.StatusInternalServerError, "Failed to assign category")
		return
	}

	writeJSON(w, http.StatusOK, assignment)
}

// handleRemoveCategory drops a pot's category assignment.
func (r *Router) handleRemoveCategory(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("monzo_user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "monzo_user_id query parameter is required")
		return
	}

	if err := r.repos.Categories.Remove(req.Context(), userID, req.PathValue("id")); err != nil {
		utils.Error("failed to remove pot category",
			"pot_id", req.PathValue("id"),
			"error", err.Error(),
		)
		writeError(w, http.StatusInternalServerError, "Failed to remove category")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
