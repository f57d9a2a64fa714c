package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/devrev/twinengine/internal/middleware"
	"github.com/devrev/twinengine/internal/service"
)

// SweepRequest is the optional body of POST /v1/admin/sweeps
type SweepRequest struct {
	TenantID         string `json:"tenant_id,omitempty"`
	ThresholdMinutes int    `json:"threshold_minutes,omitempty"`
	DryRun           bool   `json:"dry_run"`
}

// RunSweep handles POST /v1/admin/sweeps. An empty body sweeps every
// tenant with the configured threshold.
func (h *Handlers) RunSweep(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req SweepRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.errorHandler.WriteValidationError(w, err.Error(), requestID)
			return
		}
	}
	if req.ThresholdMinutes < 0 {
		h.errorHandler.WriteValidationError(w, "threshold_minutes must not be negative", requestID)
		return
	}

	result, err := h.sweeper.Sweep(r.Context(), service.SweepOptions{
		TenantID:  strings.TrimSpace(req.TenantID),
		Threshold: time.Duration(req.ThresholdMinutes) * time.Minute,
		DryRun:    req.DryRun,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, result)
}
