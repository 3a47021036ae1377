package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/services/drafts"
)

// DraftsHandler exposes the draft queue to the UI
type DraftsHandler struct {
	service *drafts.Service
	logger  arbor.ILogger
}

func NewDraftsHandler(service *drafts.Service, logger arbor.ILogger) *DraftsHandler {
	return &DraftsHandler{
		service: service,
		logger:  logger,
	}
}

// ListHandler returns every draft, most recent first (GET /api/drafts)
func (h *DraftsHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	all, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list drafts")
		WriteServiceError(w, err)
		return
	}

	pending := 0
	for _, d := range all {
		if !d.Synced {
			pending++
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"drafts":  all,
		"total":   len(all),
		"pending": pending,
	})
}

// SaveHandler queues a new draft (POST /api/drafts)
func (h *DraftsHandler) SaveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req drafts.SaveDraftRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	draft, err := h.service.Save(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("kind", string(req.Type)).Msg("Draft rejected")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, draft)
}

// GetHandler returns one draft (GET /api/drafts/{id})
func (h *DraftsHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/drafts/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "draft id is required")
		return
	}

	draft, err := h.service.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if draft == nil {
		WriteError(w, http.StatusNotFound, "draft not found")
		return
	}

	WriteJSON(w, http.StatusOK, draft)
}

// DeleteHandler discards a draft without syncing it (DELETE /api/drafts/{id})
func (h *DraftsHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/drafts/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "draft id is required")
		return
	}

	if err := h.service.Discard(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteSuccess(w, "Draft discarded")
}
