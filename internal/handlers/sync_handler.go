package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/bioen07-del/gmp-labwork/internal/services/syncengine"
)

// SyncHandler triggers on-demand sync passes
type SyncHandler struct {
	engine  *syncengine.Engine
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewSyncHandler creates a handler allowing one manual pass per interval (0 = unlimited)
func NewSyncHandler(engine *syncengine.Engine, interval time.Duration, logger arbor.ILogger) *SyncHandler {
	h := &SyncHandler{
		engine: engine,
		logger: logger,
	}
	if interval > 0 {
		h.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return h
}

// SyncHandler runs a pass and returns its result (POST /api/sync)
func (h *SyncHandler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		WriteError(w, http.StatusTooManyRequests, "sync requested too frequently")
		return
	}

	result, err := h.engine.SyncDrafts(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual sync failed")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// LastResultHandler returns the most recent pass (GET /api/sync)
func (h *SyncHandler) LastResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	result, at := h.engine.LastResult()
	if result == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"result": nil})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
		"at":     at.Format(time.RFC3339),
	})
}
