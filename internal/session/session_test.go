package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/twinengine/internal/broker"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/model"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticFloor struct {
	nodes []*model.FloorNode
	err   error
}

func (f *staticFloor) ListNodes(ctx context.Context, tenantID string) ([]*model.FloorNode, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.FloorNode
	for _, n := range f.nodes {
		if n.TenantID == tenantID {
			copied := *n
			out = append(out, &copied)
		}
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		SendBuffer:      16,
		WriteTimeout:    time.Second,
		PongWait:        5 * time.Second,
		PingPeriod:      4 * time.Second,
		MaxMessageSize:  1024,
		ControlRate:     100,
		ControlBurst:    100,
		SnapshotTimeout: time.Second,
	}
}

type harness struct {
	broker  *broker.Broker
	metrics *metrics.Metrics
	server  *httptest.Server
}

func newHarness(t *testing.T, floor FloorReader, cfg Config) *harness {
	t.Helper()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := broker.New(m, zap.NewNop())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tenantID := strings.TrimPrefix(r.URL.Path, "/ws/floor/")
		New(tenantID, conn, b, floor, cfg, m, zap.NewNop()).Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	return &harness{broker: b, metrics: m, server: srv}
}

func (h *harness) dial(t *testing.T, tenantID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/floor/" + tenantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (h *harness) waitSubscribers(t *testing.T, tenantID string, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return h.broker.SubscriberCount(tenantID) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func floorWith(nodes ...*model.FloorNode) *staticFloor {
	return &staticFloor{nodes: nodes}
}

func node(tenantID, id string, status model.DisplayStatus, version int64) *model.FloorNode {
	return &model.FloorNode{
		ID:            id,
		TenantID:      tenantID,
		Name:          "Table " + id,
		NodeType:      "TABLE",
		DisplayStatus: status,
		Version:       version,
		IsActive:      true,
	}
}

func statusChange(tenantID, nodeID string, from, to model.DisplayStatus, version int64) model.ChangeEvent {
	return model.ChangeEvent{
		Kind:        model.EventNodeStatusChange,
		TenantID:    tenantID,
		NodeID:      nodeID,
		OldStatus:   from,
		NewStatus:   to,
		OccurredAt:  time.Now().UTC(),
		NodeVersion: version,
	}
}

func TestSession_SnapshotThenDeltas(t *testing.T) {
	h := newHarness(t, floorWith(
		node("tenant-1", "N1", model.StatusAvailable, 3),
		node("tenant-1", "N2", model.StatusInProgress, 1),
		node("tenant-2", "N9", model.StatusAvailable, 0),
	), testConfig())

	conn := h.dial(t, "tenant-1")

	snapshot := readJSON(t, conn)
	assert.Equal(t, TypeInitialState, snapshot["type"])
	nodes := snapshot["nodes"].([]any)
	require.Len(t, nodes, 2)
	first := nodes[0].(map[string]any)
	assert.Equal(t, "N1", first["id"])
	assert.Equal(t, "AVAILABLE", first["status"])
	assert.Equal(t, 3.0, first["version"])

	h.waitSubscribers(t, "tenant-1", 1)
	require.NoError(t, h.broker.Publish("tenant-1",
		statusChange("tenant-1", "N1", model.StatusAvailable, model.StatusInProgress, 4)))

	delta := readJSON(t, conn)
	assert.Equal(t, TypeNodeStatusChange, delta["type"])
	assert.Equal(t, "N1", delta["node_id"])
	assert.Equal(t, "AVAILABLE", delta["old_status"])
	assert.Equal(t, "IN_PROGRESS", delta["new_status"])
	assert.Equal(t, 4.0, delta["version"])
}

func TestSession_DropsDeltasAlreadyInSnapshot(t *testing.T) {
	h := newHarness(t, floorWith(node("tenant-1", "N1", model.StatusDelivered, 5)), testConfig())
	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)
	h.waitSubscribers(t, "tenant-1", 1)

	require.NoError(t, h.broker.Publish("tenant-1",
		statusChange("tenant-1", "N1", model.StatusInProgress, model.StatusDelivered, 5)))
	require.NoError(t, h.broker.Publish("tenant-1",
		statusChange("tenant-1", "N1", model.StatusDelivered, model.StatusAvailable, 6)))

	delta := readJSON(t, conn)
	assert.Equal(t, 6.0, delta["version"], "version 5 was already in the snapshot")
}

func TestSession_WaitTimeAlert(t *testing.T) {
	h := newHarness(t, floorWith(node("tenant-1", "N1", model.StatusInProgress, 1)), testConfig())
	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)
	h.waitSubscribers(t, "tenant-1", 1)

	change := statusChange("tenant-1", "N1", model.StatusInProgress, model.StatusNeedsAttention, 2)
	alert := change
	alert.Kind = model.EventWaitTimeAlert
	alert.WorkItemID = "W1"
	alert.WaitMinutes = 17
	alert.ItemCount = 2
	require.NoError(t, h.broker.Publish("tenant-1", change))
	require.NoError(t, h.broker.Publish("tenant-1", alert))

	assert.Equal(t, TypeNodeStatusChange, readJSON(t, conn)["type"])
	msg := readJSON(t, conn)
	assert.Equal(t, TypeWaitTimeAlert, msg["type"])
	assert.Equal(t, "W1", msg["work_item_id"])
	assert.Equal(t, 17.0, msg["wait_minutes"])
	assert.Equal(t, 2.0, msg["item_count"])
}

// commitDuringRead returns the floor as it was when the read started and
// runs onRead (a concurrent commit) before returning, from the second read on.
type commitDuringRead struct {
	staticFloor
	reads  atomic.Int32
	onRead func()
}

func (f *commitDuringRead) ListNodes(ctx context.Context, tenantID string) ([]*model.FloorNode, error) {
	nodes, err := f.staticFloor.ListNodes(ctx, tenantID)
	if f.reads.Add(1) > 1 && f.onRead != nil {
		f.onRead()
	}
	return nodes, err
}

func TestSession_ResyncNeverOlderThanSentDeltas(t *testing.T) {
	floor := &commitDuringRead{staticFloor: staticFloor{nodes: []*model.FloorNode{
		node("tenant-1", "N1", model.StatusInProgress, 1),
	}}}
	h := newHarness(t, floor, testConfig())
	floor.onRead = func() {
		_ = h.broker.Publish("tenant-1",
			statusChange("tenant-1", "N1", model.StatusInProgress, model.StatusDelivered, 2))
	}

	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)
	h.waitSubscribers(t, "tenant-1", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_status"}`)))

	resync := readJSON(t, conn)
	require.Equal(t, TypeInitialState, resync["type"])
	n1 := resync["nodes"].([]any)[0].(map[string]any)
	assert.Equal(t, 1.0, n1["version"])

	// The commit that raced the read follows the snapshot, so the client ends on v2
	delta := readJSON(t, conn)
	assert.Equal(t, TypeNodeStatusChange, delta["type"])
	assert.Equal(t, "DELIVERED", delta["new_status"])
	assert.Equal(t, 2.0, delta["version"])
}

func TestSession_ControlMessages(t *testing.T) {
	h := newHarness(t, floorWith(node("tenant-1", "N1", model.StatusAvailable, 0)), testConfig())
	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, TypePong, readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_status"}`)))
	msg := readJSON(t, conn)
	assert.Equal(t, TypeInitialState, msg["type"])
	assert.Len(t, msg["nodes"], 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg = readJSON(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Contains(t, msg["message"], "dance")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	msg = readJSON(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "malformed message", msg["message"])
}

func TestSession_ControlRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ControlRate = 0.001
	cfg.ControlBurst = 1
	h := newHarness(t, floorWith(), cfg)
	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	assert.Equal(t, TypePong, readJSON(t, conn)["type"])
	msg := readJSON(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "rate limit exceeded", msg["message"])
}

func TestSession_DisconnectUnsubscribes(t *testing.T) {
	h := newHarness(t, floorWith(), testConfig())
	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)
	h.waitSubscribers(t, "tenant-1", 1)

	_ = conn.Close()
	h.waitSubscribers(t, "tenant-1", 0)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.SessionsActive) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_SnapshotFailureCloses(t *testing.T) {
	h := newHarness(t, &staticFloor{err: errors.New("db down")}, testConfig())
	conn := h.dial(t, "tenant-1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
	h.waitSubscribers(t, "tenant-1", 0)
}

func TestSession_DeliverBackpressure(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	cfg := testConfig()
	cfg.SendBuffer = 1
	s := New("tenant-1", nil, nil, nil, cfg, m, zap.NewNop())

	assert.Equal(t, StateConnecting, s.State())
	require.NoError(t, s.Deliver(statusChange("tenant-1", "N1", "", model.StatusInProgress, 1)))
	assert.ErrorIs(t, s.Deliver(statusChange("tenant-1", "N1", "", model.StatusDelivered, 2)), broker.ErrSlowConsumer)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Deliver(statusChange("tenant-1", "N1", "", model.StatusAvailable, 3)), broker.ErrSubscriberClosed)
}

func TestSession_ShouldForward(t *testing.T) {
	s := New("tenant-1", nil, nil, nil, testConfig(), metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	s.recordSnapshot(NewInitialState("tenant-1", []*model.FloorNode{node("tenant-1", "N1", model.StatusAvailable, 3)}, time.Now()))

	alert := statusChange("tenant-1", "N1", "", model.StatusNeedsAttention, 3)
	alert.Kind = model.EventWaitTimeAlert

	assert.False(t, s.shouldForward(statusChange("tenant-1", "N1", "", model.StatusAvailable, 3)))
	assert.True(t, s.shouldForward(alert), "an alert at the snapshot version still matters")
	assert.True(t, s.shouldForward(statusChange("tenant-1", "N1", "", model.StatusInProgress, 4)))
	assert.False(t, s.shouldForward(statusChange("tenant-1", "N1", "", model.StatusInProgress, 4)))
	assert.True(t, s.shouldForward(statusChange("tenant-1", "N7", "", model.StatusInProgress, 1)), "unknown nodes are forwarded")

	update := statusChange("tenant-1", "N1", "", model.StatusInProgress, 2)
	update.Kind = model.EventWorkItemUpdate
	assert.True(t, s.shouldForward(update), "work item updates are not deduplicated by node version")
	assert.False(t, s.shouldForward(statusChange("tenant-1", "N1", "", model.StatusInProgress, 4)),
		"a work item update does not move the node version")
}

func TestSession_WorkItemUpdate(t *testing.T) {
	h := newHarness(t, floorWith(node("tenant-1", "N1", model.StatusInProgress, 1)), testConfig())
	conn := h.dial(t, "tenant-1")
	readJSON(t, conn)
	h.waitSubscribers(t, "tenant-1", 1)

	require.NoError(t, h.broker.Publish("tenant-1", model.ChangeEvent{
		Kind:        model.EventWorkItemUpdate,
		TenantID:    "tenant-1",
		NodeID:      "N1",
		NewStatus:   model.StatusInProgress,
		OccurredAt:  time.Now().UTC(),
		Cause:       "pos",
		NodeVersion: 1,
		WorkItemID:  "W1",
		Reference:   "table-4",
		FromState:   model.StatePlaced,
		ToState:     model.StatePreparing,
	}))

	msg := readJSON(t, conn)
	assert.Equal(t, TypeWorkItemUpdate, msg["type"])
	assert.Equal(t, "W1", msg["work_item_id"])
	assert.Equal(t, "N1", msg["node_id"])
	assert.Equal(t, "table-4", msg["reference"])
	assert.Equal(t, "PLACED", msg["from_state"])
	assert.Equal(t, "PREPARING", msg["to_state"])
	assert.Equal(t, "IN_PROGRESS", msg["node_status"])
	assert.Equal(t, 1.0, msg["version"], "forwarded even at the snapshot version")
}

func TestSession_ShutdownClosesWithGoingAway(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := broker.New(m, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New("tenant-1", conn, b, floorWith(), testConfig(), m, zap.NewNop()).Run(ctx)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readJSON(t, conn)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SessionsTotal.WithLabelValues(ReasonShutdown)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
