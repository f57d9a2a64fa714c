package handler

import (
	"errors"
	"net/http"
	"time"

	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/middleware"
	"github.com/devrev/twinengine/internal/session"
	"github.com/devrev/twinengine/internal/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// GetFloor handles GET /v1/tenants/{tenant_id}/floor. The body has the same
// shape as the initial_state message sent to subscribers.
func (h *Handlers) GetFloor(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	nodes, err := h.floor.ListNodes(ctx, tenantID)
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.StorageFailure("floor state unavailable", err))
		return
	}

	h.writeJSONResponse(w, http.StatusOK, session.NewInitialState(tenantID, nodes, time.Now().UTC()))
}

// GetWorkItem handles GET /v1/work-items/{work_item_id}
func (h *Handlers) GetWorkItem(w http.ResponseWriter, r *http.Request) {
	workItemID := mux.Vars(r)["work_item_id"]

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	item, err := h.floor.GetWorkItem(ctx, workItemID)
	if errors.Is(err, store.ErrNotFound) {
		h.errorHandler.HandleError(w, r, apierrors.WorkItemNotFound(workItemID))
		return
	}
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.StorageFailure("work item unavailable", err))
		return
	}

	h.writeJSONResponse(w, http.StatusOK, item)
}

// Subscribe handles GET /ws/floor/{tenant_id}. The connection is upgraded
// and served by a session until either side closes it.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(h.opts.AllowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("Websocket upgrade failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return
	}

	sess := session.New(tenantID, conn, h.broker, h.floor, h.opts.Session, h.metrics, h.logger)
	h.logger.Debug("Subscriber connected",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", sess.ID()))
	sess.Run(r.Context())
}
