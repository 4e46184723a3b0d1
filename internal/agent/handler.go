package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/smalltalk-labs/internal/api"
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/identity"
)

// defaultMaxRequestBodySize bounds turn and choice submissions.
const defaultMaxRequestBodySize = 16 << 10

// Handler exposes the session endpoints.
type Handler struct {
	service     *Service
	rateLimiter *RateLimiter
	maxBodySize int64
}

// NewHandler creates the session HTTP handler. limiter may be nil to disable throttling.
func NewHandler(service *Service, limiter *RateLimiter, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		service:     service,
		rateLimiter: limiter,
		maxBodySize: maxBodySize,
	}
}

// RegisterRoutes registers session routes (requires the identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.HandleStart)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/turns", h.HandleTurn)
		r.Post("/{id}/end", h.HandleEnd)
		r.Post("/{id}/crisis", h.HandleCrisisChoice)
	})
}

// HandleStart creates a new session for the calling user.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	view, err := h.service.StartSession(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, view)
}

// HandleGet returns the session record and transcript.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Session(r.Context(), chi.URLParam(r, "id"), identity.TokenFromRequest(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

// HandleTurn submits one user message.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	key := identity.UserIDFromContext(r.Context())
	if key == "" {
		key = identity.IPFromRequest(r)
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow(key) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req TurnRequest
	if !h.decode(w, r, &req) {
		return
	}

	sessionID := chi.URLParam(r, "id")
	result, err := h.service.ProcessTurn(r.Context(), sessionID, identity.TokenFromRequest(r), req.Message)
	if err != nil {
		if !isClientError(err) {
			slog.Error("Turn failed", "session_id", sessionID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// HandleEnd ends an active session.
func (h *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	if err := h.service.EndSession(r.Context(), chi.URLParam(r, "id"), identity.TokenFromRequest(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"lifecycle": string(domain.LifecycleEnded)})
}

// HandleCrisisChoice applies a crisis modal choice.
func (h *Handler) HandleCrisisChoice(w http.ResponseWriter, r *http.Request) {
	var req CrisisChoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.ResolveCrisis(r.Context(), chi.URLParam(r, "id"), identity.TokenFromRequest(r), req.Choice)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func isClientError(err error) bool {
	return statusFor(err) < http.StatusInternalServerError
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrInvalidChoice):
		return http.StatusBadRequest
	case errors.Is(err, ErrTurnInFlight),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrStaleTurn),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	api.Error(w, status, msg)
}
