package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/services/agent"
)

// ResourceHandler serves the front-end build through the update agent's cache
type ResourceHandler struct {
	fetcher *agent.Fetcher
	logger  arbor.ILogger
}

func NewResourceHandler(fetcher *agent.Fetcher, logger arbor.ILogger) *ResourceHandler {
	return &ResourceHandler{
		fetcher: fetcher,
		logger:  logger,
	}
}

// ServeResource answers GET requests for front-end resources
func (h *ResourceHandler) ServeResource(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	resp, _, err := h.fetcher.Serve(r.Context(), r)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set("X-Labwork-Source", resp.Source)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
