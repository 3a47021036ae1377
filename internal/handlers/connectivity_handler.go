package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
)

// ConnectivityHandler receives browser online/offline signals
type ConnectivityHandler struct {
	monitor interfaces.ConnectivityMonitor
	logger  arbor.ILogger
}

func NewConnectivityHandler(monitor interfaces.ConnectivityMonitor, logger arbor.ILogger) *ConnectivityHandler {
	return &ConnectivityHandler{
		monitor: monitor,
		logger:  logger,
	}
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// SignalHandler forwards a platform signal to the monitor (POST /api/connectivity)
func (h *ConnectivityHandler) SignalHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req connectivityRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Online == nil {
		WriteError(w, http.StatusBadRequest, "online is required")
		return
	}

	h.monitor.SetOnline(*req.Online)

	WriteJSON(w, http.StatusOK, map[string]bool{"online": h.monitor.IsOnline()})
}

// StateHandler returns the current state (GET /api/connectivity)
func (h *ConnectivityHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"online": h.monitor.IsOnline()})
}
