package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/twinengine/internal/broker"
	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/model"
	"github.com/devrev/twinengine/internal/service"
	"github.com/devrev/twinengine/internal/store"
	"github.com/devrev/twinengine/internal/store/storetest"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handlerFixture struct {
	handlers    *Handlers
	store       *store.SQLiteStore
	broker      *broker.Broker
	idempotency *service.IdempotencyService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := storetest.NewSQLiteStore(t)
	b := broker.New(m, logger)

	engine := service.NewTransitionService(s, b, 15*time.Minute, 5*time.Second, m, logger)
	sweeper := service.NewEscalationService(engine, s, store.NewLocalSweepLock(), service.EscalationConfig{
		MaxRunTime: 10 * time.Second,
	}, m, logger)

	idemStore := store.NewMemoryIdempotencyStore(100, logger)
	t.Cleanup(func() { _ = idemStore.Close() })
	idempotency := service.NewIdempotencyService(idemStore, time.Hour, m, logger)

	h := NewHandlers(engine, sweeper, idempotency, s, b, apierrors.NewHandler(logger), Options{
		ConflictRetries:      2,
		RetryInitialInterval: time.Millisecond,
		RequestTimeout:       5 * time.Second,
		AllowedOrigins:       []string{"*"},
	}, m, logger)

	return &handlerFixture{handlers: h, store: s, broker: b, idempotency: idempotency}
}

func jsonRequest(t *testing.T, method, target string, body interface{}, vars map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return mux.SetURLVars(req, vars)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}

func (f *handlerFixture) intake(t *testing.T, tenantID, nodeID, itemID string, place bool) {
	t.Helper()

	w := httptest.NewRecorder()
	f.handlers.IntakeWorkItem(w, jsonRequest(t, http.MethodPost, "/v1/tenants/"+tenantID+"/work-items",
		IntakeRequest{ID: itemID, NodeID: nodeID, Place: place},
		map[string]string{"tenant_id": tenantID}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (f *handlerFixture) transition(t *testing.T, itemID, state, key string) *httptest.ResponseRecorder {
	t.Helper()

	req := jsonRequest(t, http.MethodPost, "/v1/work-items/"+itemID+"/transitions",
		TransitionRequest{State: state}, map[string]string{"work_item_id": itemID})
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	f.handlers.ApplyTransition(w, req)
	return w
}

func TestIntakeWorkItem(t *testing.T) {
	f := newHandlerFixture(t)
	storetest.SeedNode(t, f.store, "tenant-1", "N1", time.Now().UTC())

	t.Run("creates placed item", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.IntakeWorkItem(w, jsonRequest(t, http.MethodPost, "/v1/tenants/tenant-1/work-items",
			IntakeRequest{NodeID: "N1", Reference: "order-7", Place: true},
			map[string]string{"tenant_id": "tenant-1"}))

		require.Equal(t, http.StatusCreated, w.Code)
		var resp IntakeResponse
		decodeBody(t, w, &resp)
		assert.NotEmpty(t, resp.WorkItem.ID)
		assert.Equal(t, model.StatePlaced, resp.WorkItem.State)
		assert.Equal(t, model.StatusInProgress, resp.NodeStatus)
	})

	t.Run("missing node id", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.IntakeWorkItem(w, jsonRequest(t, http.MethodPost, "/v1/tenants/tenant-1/work-items",
			IntakeRequest{}, map[string]string{"tenant_id": "tenant-1"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "node_id is required")
	})

	t.Run("node of another tenant", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.IntakeWorkItem(w, jsonRequest(t, http.MethodPost, "/v1/tenants/tenant-2/work-items",
			IntakeRequest{NodeID: "N1"}, map[string]string{"tenant_id": "tenant-2"}))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestApplyTransition(t *testing.T) {
	f := newHandlerFixture(t)
	storetest.SeedNode(t, f.store, "tenant-1", "N1", time.Now().UTC())
	f.intake(t, "tenant-1", "N1", "W1", false)

	t.Run("applies and replays by idempotency key", func(t *testing.T) {
		w := f.transition(t, "W1", "placed", "key-1")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp TransitionResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, "W1", resp.WorkItemID)
		assert.Equal(t, model.StatePlaced, resp.LifecycleState)
		assert.Equal(t, model.StatusInProgress, resp.NodeStatus)

		replay := f.transition(t, "W1", "PLACED", "key-1")
		assert.Equal(t, http.StatusOK, replay.Code)
		assert.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
		assert.JSONEq(t, w.Body.String(), replay.Body.String())
	})

	t.Run("illegal transition", func(t *testing.T) {
		w := f.transition(t, "W1", "SERVED", "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), string(apierrors.ErrCodeInvalidTransition))
		assert.Contains(t, w.Body.String(), `"allowed":["PREPARING","CANCELLED"]`)

		item, err := f.store.GetWorkItem(context.Background(), "W1")
		require.NoError(t, err)
		assert.Equal(t, model.StatePlaced, item.State)
	})

	t.Run("unknown work item", func(t *testing.T) {
		w := f.transition(t, "missing", "PLACED", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown state", func(t *testing.T) {
		w := f.transition(t, "W1", "FLYING", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid idempotency key", func(t *testing.T) {
		w := f.transition(t, "W1", "PREPARING", "has space")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Idempotency-Key")
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/work-items/W1/transitions", bytes.NewBufferString(`{"state":`))
		req = mux.SetURLVars(req, map[string]string{"work_item_id": "W1"})
		w := httptest.NewRecorder()
		f.handlers.ApplyTransition(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing state", func(t *testing.T) {
		w := f.transition(t, "W1", "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("failed request releases its key", func(t *testing.T) {
		w := f.transition(t, "W1", "SERVED", "key-3")
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)

		w = f.transition(t, "W1", "PREPARING", "key-3")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Empty(t, w.Header().Get("Idempotent-Replay"))

		replay := f.transition(t, "W1", "PREPARING", "key-3")
		assert.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	})

	t.Run("key in flight conflicts", func(t *testing.T) {
		ok, err := f.idempotency.Reserve(context.Background(), idempotencyScopeTransition+":W1", "key-4")
		require.NoError(t, err)
		require.True(t, ok)

		w := f.transition(t, "W1", "READY", "key-4")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "already in progress")

		item, err := f.store.GetWorkItem(context.Background(), "W1")
		require.NoError(t, err)
		assert.Equal(t, model.StatePreparing, item.State)
	})
}

func TestRetryConflicts(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("retries conflicts up to the limit", func(t *testing.T) {
		attempts := 0
		err := f.handlers.retryConflicts(context.Background(), func() error {
			attempts++
			return apierrors.Conflict("locked", nil)
		})
		assert.True(t, apierrors.IsConflict(err))
		assert.Equal(t, 3, attempts)
	})

	t.Run("succeeds after a conflict", func(t *testing.T) {
		attempts := 0
		err := f.handlers.retryConflicts(context.Background(), func() error {
			attempts++
			if attempts == 1 {
				return apierrors.Conflict("locked", nil)
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		attempts := 0
		err := f.handlers.retryConflicts(context.Background(), func() error {
			attempts++
			return apierrors.WorkItemNotFound("W9")
		})
		assert.True(t, apierrors.IsNotFound(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("plain errors are returned", func(t *testing.T) {
		boom := errors.New("boom")
		err := f.handlers.retryConflicts(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestForceAndReleaseNode(t *testing.T) {
	f := newHandlerFixture(t)
	storetest.SeedNode(t, f.store, "tenant-1", "N1", time.Now().UTC())
	f.intake(t, "tenant-1", "N1", "W1", true)
	vars := map[string]string{"node_id": "N1"}

	w := httptest.NewRecorder()
	f.handlers.ForceNodeStatus(w, jsonRequest(t, http.MethodPut, "/v1/nodes/N1/status",
		ForceStatusRequest{Status: "offline", Reason: "maintenance"}, vars))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp NodeStatusResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, model.StatusOffline, resp.NodeStatus)

	w = httptest.NewRecorder()
	f.handlers.ForceNodeStatus(w, jsonRequest(t, http.MethodPut, "/v1/nodes/N1/status",
		ForceStatusRequest{Status: "AVAILABLE"}, vars))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handlers.ReleaseNode(w, jsonRequest(t, http.MethodDelete, "/v1/nodes/N1/hold?reason=done", nil, vars))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &resp)
	assert.Equal(t, model.StatusInProgress, resp.NodeStatus)

	w = httptest.NewRecorder()
	f.handlers.ReleaseNode(w, jsonRequest(t, http.MethodDelete, "/v1/nodes/N9/hold", nil,
		map[string]string{"node_id": "N9"}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetFloor(t *testing.T) {
	f := newHandlerFixture(t)
	storetest.SeedNode(t, f.store, "tenant-1", "N1", time.Now().UTC())
	storetest.SeedNode(t, f.store, "tenant-1", "N2", time.Now().UTC())
	storetest.SeedNode(t, f.store, "tenant-2", "N3", time.Now().UTC())

	w := httptest.NewRecorder()
	f.handlers.GetFloor(w, jsonRequest(t, http.MethodGet, "/v1/tenants/tenant-1/floor", nil,
		map[string]string{"tenant_id": "tenant-1"}))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Type     string `json:"type"`
		TenantID string `json:"tenant_id"`
		Nodes    []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"nodes"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "initial_state", resp.Type)
	assert.Equal(t, "tenant-1", resp.TenantID)
	assert.Len(t, resp.Nodes, 2)
}

func TestGetWorkItem(t *testing.T) {
	f := newHandlerFixture(t)
	storetest.SeedNode(t, f.store, "tenant-1", "N1", time.Now().UTC())
	f.intake(t, "tenant-1", "N1", "W1", true)

	t.Run("returns the stored item", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.GetWorkItem(w, jsonRequest(t, http.MethodGet, "/v1/work-items/W1", nil,
			map[string]string{"work_item_id": "W1"}))

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var item model.WorkItem
		decodeBody(t, w, &item)
		assert.Equal(t, "W1", item.ID)
		assert.Equal(t, "N1", item.NodeID)
		assert.Equal(t, model.StatePlaced, item.State)
	})

	t.Run("unknown item", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.GetWorkItem(w, jsonRequest(t, http.MethodGet, "/v1/work-items/W9", nil,
			map[string]string{"work_item_id": "W9"}))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "W9")
	})
}

func TestRunSweep(t *testing.T) {
	f := newHandlerFixture(t)
	node := storetest.SeedNode(t, f.store, "tenant-1", "N1", time.Now().UTC())
	storetest.SeedWorkItem(t, f.store, node, "W1", model.StatePlaced, time.Now().UTC().Add(-time.Hour))

	t.Run("dry run", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.RunSweep(w, jsonRequest(t, http.MethodPost, "/v1/admin/sweeps",
			SweepRequest{TenantID: "tenant-1", DryRun: true}, nil))

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var result service.SweepResult
		decodeBody(t, w, &result)
		assert.True(t, result.DryRun)
		assert.Equal(t, 1, result.EscalatedCount())

		got, err := f.store.GetNode(context.Background(), "N1")
		require.NoError(t, err)
		assert.NotEqual(t, model.StatusNeedsAttention, got.DisplayStatus)
	})

	t.Run("escalates with empty body", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/sweeps", nil)
		f.handlers.RunSweep(w, req)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var result service.SweepResult
		decodeBody(t, w, &result)
		require.Equal(t, 1, result.EscalatedCount())
		assert.Equal(t, "W1", result.Escalated[0].OldestItemID)
		assert.Equal(t, 15, result.ThresholdMinutes)

		got, err := f.store.GetNode(context.Background(), "N1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusNeedsAttention, got.DisplayStatus)
	})

	t.Run("negative threshold", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.handlers.RunSweep(w, jsonRequest(t, http.MethodPost, "/v1/admin/sweeps",
			SweepRequest{ThresholdMinutes: -1}, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
