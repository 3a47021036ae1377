package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/services/agent"
)

// UpdateHandler exposes the update prompt. registration is nil when the agent is disabled.
type UpdateHandler struct {
	registration *agent.Registration
	logger       arbor.ILogger
}

func NewUpdateHandler(registration *agent.Registration, logger arbor.ILogger) *UpdateHandler {
	return &UpdateHandler{
		registration: registration,
		logger:       logger,
	}
}

func (h *UpdateHandler) available(w http.ResponseWriter) bool {
	if h.registration == nil {
		WriteServiceError(w, interfaces.ErrAgentDisabled)
		return false
	}
	return true
}

// StatusHandler returns the update status (GET /api/update)
func (h *UpdateHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) || !h.available(w) {
		return
	}
	WriteJSON(w, http.StatusOK, h.registration.Status())
}

// CheckHandler looks for a newer build now (POST /api/update/check)
func (h *UpdateHandler) CheckHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) || !h.available(w) {
		return
	}

	if err := h.registration.Update(r.Context()); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.registration.Status())
}

// ApplyHandler sends SKIP_WAITING to the waiting agent (POST /api/update/apply)
func (h *UpdateHandler) ApplyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) || !h.available(w) {
		return
	}

	if err := h.registration.ApplyUpdate(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Apply update failed")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("version", h.registration.Status().ActiveVersion).Msg("Update applied")
	WriteJSON(w, http.StatusOK, h.registration.Status())
}

// DismissHandler hides the update prompt (POST /api/update/dismiss)
func (h *UpdateHandler) DismissHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) || !h.available(w) {
		return
	}

	h.registration.DismissUpdate()
	WriteJSON(w, http.StatusOK, h.registration.Status())
}
