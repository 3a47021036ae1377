package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
	"github.com/bioen07-del/gmp-labwork/internal/services/agent"
	"github.com/bioen07-del/gmp-labwork/internal/services/drafts"
	"github.com/bioen07-del/gmp-labwork/internal/services/syncengine"
)

// StatusUpdate is the combined view the UI banner renders
type StatusUpdate struct {
	Online           bool                 `json:"online"`
	Pending          int                  `json:"pending"`
	Version          string               `json:"version"`
	Update           *models.UpdateStatus `json:"update,omitempty"`
	LastSync         *syncengine.Result   `json:"lastSync,omitempty"`
	LastSyncAt       string               `json:"lastSyncAt,omitempty"`
	ServerInstanceID string               `json:"serverInstanceId,omitempty"`
}

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	monitor      interfaces.ConnectivityMonitor
	drafts       *drafts.Service
	engine       *syncengine.Engine
	registration *agent.Registration
	logger       arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler. registration may be nil.
func NewStatusHandler(
	monitor interfaces.ConnectivityMonitor,
	draftsService *drafts.Service,
	engine *syncengine.Engine,
	registration *agent.Registration,
	logger arbor.ILogger,
) *StatusHandler {
	return &StatusHandler{
		monitor:      monitor,
		drafts:       draftsService,
		engine:       engine,
		registration: registration,
		logger:       logger,
	}
}

// Snapshot gathers the current status
func (h *StatusHandler) Snapshot(ctx context.Context) StatusUpdate {
	status := StatusUpdate{
		Online:  h.monitor.IsOnline(),
		Version: common.GetVersion(),
	}

	pending, err := h.drafts.PendingCount(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count pending drafts")
	}
	status.Pending = pending

	if h.registration != nil {
		update := h.registration.Status()
		status.Update = &update
	}

	if result, at := h.engine.LastResult(); result != nil {
		status.LastSync = result
		status.LastSyncAt = at.Format(time.RFC3339)
	}
	return status
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, h.Snapshot(r.Context()))
}
