package v1

import (
	"net/http"
	"time"

	"github.com/potmatic/potmatic/internal/utils"
)

// stateTTL bounds how long an OAuth redirect may take. It matches the
// expiry baked into the signed state token.
const stateTTL = 10 * time.Minute

// handleConnect starts the authorization-code flow: mint a signed state,
// stash its nonce server-side and redirect the user to the bank.
func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	state, nonce, err := r.states.Mint()
	if err != nil {
		utils.Error("failed to mint oauth state", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to start authorization")
		return
	}

	if _, err := r.redis.StashOAuthNonce(req.Context(), nonce, stateTTL); err != nil {
		utils.Error("failed to stash oauth nonce", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to start authorization")
		return
	}

	http.Redirect(w, req, r.oauth.AuthorizeURL(state), http.StatusFound)
}

// handleCallback completes the flow: verify the state signature, consume
// the stashed nonce, exchange the code and persist the user with
// encrypted tokens.
func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request) {
	code := req.URL.Query().Get("code")
	state := req.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "Missing code or state parameter")
		return
	}

	nonce, err := r.states.Verify(state)
	if err != nil {
		utils.Warn("oauth callback with invalid state", "error", err.Error())
		writeError(w, http.StatusUnauthorized, "Invalid state parameter")
		return
	}

	// Single use. A replayed redirect fails here even with a
	// still-unexpired signature.
	consumed, err := r.redis.ConsumeOAuthNonce(req.Context(), nonce)
	if err != nil {
		utils.Error("failed to consume oauth nonce", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Authorization failed")
		return
	}
	if !consumed {
		writeError(w, http.StatusUnauthorized, "State already used or expired")
		return
	}

	tok, err := r.oauth.ExchangeCodeForToken(req.Context(), code)
	if err != nil {
		utils.Error("oauth code exchange failed", "error", err.Error())
		writeError(w, http.StatusBadGateway, "Token exchange failed")
		return
	}

	user := r.oauth.NewUserFromToken(tok)
	if err := r.tokens.SaveUser(req.Context(), user); err != nil {
		utils.Error("failed to persist authorized user",
			"user_id", tok.UserID,
			"error", err.Error(),
		)
		writeError(w, http.StatusInternalServerError, "Failed to persist authorization")
		return
	}

	utils.Info("user authorized", "user_id", tok.UserID)
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": tok.UserID,
		"status":  "authorized",
	})
}
