package handler

import (
	"net/http"
	"strings"

	"github.com/devrev/twinengine/internal/middleware"
	"github.com/devrev/twinengine/internal/model"
	"github.com/gorilla/mux"
)

// ForceStatusRequest is the body of PUT /v1/nodes/{node_id}/status
type ForceStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// NodeStatusResponse reports a node's display status after an admin call
type NodeStatusResponse struct {
	NodeID     string              `json:"node_id"`
	NodeStatus model.DisplayStatus `json:"node_status"`
}

// ForceNodeStatus handles PUT /v1/nodes/{node_id}/status
func (h *Handlers) ForceNodeStatus(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	nodeID := mux.Vars(r)["node_id"]

	var req ForceStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		h.errorHandler.WriteValidationError(w, "status is required", requestID)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	status := model.DisplayStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	current, err := h.engine.ForceNodeStatus(ctx, nodeID, status, req.Reason)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, NodeStatusResponse{NodeID: nodeID, NodeStatus: current})
}

// ReleaseNode handles DELETE /v1/nodes/{node_id}/hold
func (h *Handlers) ReleaseNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	current, err := h.engine.ReleaseNode(ctx, nodeID, r.URL.Query().Get("reason"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, NodeStatusResponse{NodeID: nodeID, NodeStatus: current})
}
