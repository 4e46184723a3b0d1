// Package api provides the shared HTTP handlers of the practice server:
// identity, client configuration, health and the moderation review log.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/smalltalk-labs/internal/config"
	"github.com/ashureev/smalltalk-labs/internal/identity"
	"github.com/ashureev/smalltalk-labs/internal/store"
)

const (
	defaultBlockListLimit = 50
	maxBlockListLimit     = 500
)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cfg *config.Config) *Handler {
	return &Handler{repo: repo, cfg: cfg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers identity, config and review routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/admin/moderation-blocks", h.ListModerationBlocks)
	})
}

// GetMe returns the calling user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		// The user row is best-effort; identity still comes from the cookie.
		JSON(w, http.StatusOK, map[string]interface{}{
			"user_id":  userID,
			"username": identity.UsernameFromContext(r.Context()),
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"last_seen_at": user.LastSeenAt,
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{}
	if h.cfg != nil {
		resp["llm_provider"] = h.cfg.LLM.Provider
		resp["session_idle_ttl_seconds"] = int64(h.cfg.SessionIdleTTL.Seconds())
		resp["max_message_bytes"] = h.cfg.MaxRequestBody
	}
	JSON(w, http.StatusOK, resp)
}

// ListModerationBlocks returns recent withheld replies for admin review.
func (h *Handler) ListModerationBlocks(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ok, err := h.repo.IsAdmin(r.Context(), userID)
	if err != nil {
		slog.Error("Admin check failed", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "admin check failed")
		return
	}
	if !ok {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	limit := defaultBlockListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxBlockListLimit)
	}

	blocks, err := h.repo.ListModerationBlocks(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list moderation blocks", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list moderation blocks")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}
