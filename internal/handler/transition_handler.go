package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/middleware"
	"github.com/devrev/twinengine/internal/model"
	"github.com/devrev/twinengine/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const idempotencyScopeTransition = "transition"

// TransitionRequest is the body of POST /v1/work-items/{work_item_id}/transitions
type TransitionRequest struct {
	State string `json:"state"`
	Cause string `json:"cause,omitempty"`
}

// TransitionResponse reports the node status after a transition
type TransitionResponse struct {
	WorkItemID     string               `json:"work_item_id"`
	LifecycleState model.LifecycleState `json:"lifecycle_state"`
	NodeStatus     model.DisplayStatus  `json:"node_status"`
}

// IntakeRequest is the body of POST /v1/tenants/{tenant_id}/work-items
type IntakeRequest struct {
	ID        string `json:"id,omitempty"`
	NodeID    string `json:"node_id"`
	Reference string `json:"reference,omitempty"`
	Place     bool   `json:"place"`
}

// IntakeResponse returns the registered work item and its node's status
type IntakeResponse struct {
	WorkItem   *model.WorkItem     `json:"work_item"`
	NodeStatus model.DisplayStatus `json:"node_status"`
}

// ApplyTransition handles POST /v1/work-items/{work_item_id}/transitions.
// A repeated Idempotency-Key replays the first successful response. The key
// is reserved before the transition runs, so a concurrent duplicate gets a
// conflict instead of a second execution.
func (h *Handlers) ApplyTransition(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	workItemID := mux.Vars(r)["work_item_id"]

	var req TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if strings.TrimSpace(req.State) == "" {
		h.errorHandler.WriteValidationError(w, "state is required", requestID)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := idempotencyScopeTransition + ":" + workItemID
	if idempotencyKey != "" {
		if !h.idempotency.ValidateIdempotencyKey(idempotencyKey) {
			h.errorHandler.WriteValidationError(w, "invalid Idempotency-Key header", requestID)
			return
		}
		cached, err := h.idempotency.Get(r.Context(), scope, idempotencyKey)
		if err != nil {
			h.logger.Warn("Idempotency lookup failed, executing request",
				zap.String("request_id", requestID),
				zap.Error(err))
		} else if cached != nil {
			h.replay(w, r, cached)
			return
		}

		reserved, err := h.idempotency.Reserve(r.Context(), scope, idempotencyKey)
		switch {
		case err != nil:
			h.logger.Warn("Idempotency reservation failed, executing request",
				zap.String("request_id", requestID),
				zap.Error(err))
			idempotencyKey = ""
		case !reserved:
			h.errorHandler.HandleError(w, r, apierrors.Conflict("request with this Idempotency-Key is already in progress", nil))
			return
		}
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	newState := model.LifecycleState(strings.ToUpper(req.State))
	var status model.DisplayStatus
	err := h.retryConflicts(ctx, func() error {
		var err error
		status, err = h.engine.ApplyTransition(ctx, workItemID, newState, req.Cause)
		return err
	})
	if err != nil {
		if idempotencyKey != "" {
			h.releaseReservation(r.Context(), scope, idempotencyKey, requestID)
		}
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp := TransitionResponse{
		WorkItemID:     workItemID,
		LifecycleState: newState,
		NodeStatus:     status,
	}

	if idempotencyKey != "" {
		body, err := json.Marshal(resp)
		if err == nil {
			err = h.idempotency.Store(r.Context(), scope, idempotencyKey, &service.IdempotentResponse{
				StatusCode: http.StatusOK,
				Body:       body,
			})
		}
		if err != nil {
			h.logger.Warn("Failed to store idempotent response",
				zap.String("request_id", requestID),
				zap.Error(err))
			h.releaseReservation(r.Context(), scope, idempotencyKey, requestID)
		}
	}

	h.writeJSONResponse(w, http.StatusOK, resp)
}

// replay writes a cached response, or a conflict while its request is still running
func (h *Handlers) replay(w http.ResponseWriter, r *http.Request, cached *service.IdempotentResponse) {
	if cached.Pending() {
		h.errorHandler.HandleError(w, r, apierrors.Conflict("request with this Idempotency-Key is already in progress", nil))
		return
	}
	w.Header().Set("Idempotent-Replay", "true")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

// releaseReservation frees the key of a failed request so the client can retry it
func (h *Handlers) releaseReservation(ctx context.Context, scope, idempotencyKey, requestID string) {
	if err := h.idempotency.Delete(context.WithoutCancel(ctx), scope, idempotencyKey); err != nil {
		h.logger.Warn("Failed to release idempotency reservation",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// IntakeWorkItem handles POST /v1/tenants/{tenant_id}/work-items
func (h *Handlers) IntakeWorkItem(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	tenantID := mux.Vars(r)["tenant_id"]

	var req IntakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if strings.TrimSpace(req.NodeID) == "" {
		h.errorHandler.WriteValidationError(w, "node_id is required", requestID)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	item, status, err := h.engine.IntakeWorkItem(ctx, service.WorkItemIntake{
		ID:        req.ID,
		TenantID:  tenantID,
		NodeID:    req.NodeID,
		Reference: req.Reference,
		Place:     req.Place,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, IntakeResponse{WorkItem: item, NodeStatus: status})
}
