package algorithm

import (
	"testing"
	"time"

	"github.com/devrev/twinengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow       = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	testThreshold = 15 * time.Minute
)

func item(state model.LifecycleState, age time.Duration) *model.WorkItem {
	return &model.WorkItem{
		ID:        string(state),
		State:     state,
		CreatedAt: testNow.Add(-age),
	}
}

func TestDeriveStatus(t *testing.T) {
	node := &model.FloorNode{ID: "n-1"}

	tests := []struct {
		name     string
		items    []*model.WorkItem
		expected model.DisplayStatus
	}{
		{"no items", nil, model.StatusAvailable},
		{"only terminal items", []*model.WorkItem{
			item(model.StateCompleted, time.Hour),
			item(model.StateCancelled, time.Hour),
		}, model.StatusAvailable},
		{"new item is not active", []*model.WorkItem{item(model.StateNew, time.Hour)}, model.StatusAvailable},
		{"placed", []*model.WorkItem{item(model.StatePlaced, time.Minute)}, model.StatusInProgress},
		{"preparing", []*model.WorkItem{item(model.StatePreparing, time.Minute)}, model.StatusInProgress},
		{"ready", []*model.WorkItem{item(model.StateReady, time.Minute)}, model.StatusInProgress},
		{"all served", []*model.WorkItem{
			item(model.StateServed, time.Minute),
			item(model.StateServed, 2*time.Minute),
		}, model.StatusDelivered},
		{"served plus placed", []*model.WorkItem{
			item(model.StateServed, time.Minute),
			item(model.StatePlaced, time.Minute),
		}, model.StatusInProgress},
		{"long wait beats in progress", []*model.WorkItem{
			item(model.StatePreparing, time.Minute),
			item(model.StatePlaced, 20*time.Minute),
		}, model.StatusNeedsAttention},
		{"long wait beats delivered", []*model.WorkItem{
			item(model.StateServed, time.Minute),
			item(model.StatePreparing, 16*time.Minute),
		}, model.StatusNeedsAttention},
		{"old served item is not a long wait", []*model.WorkItem{item(model.StateServed, time.Hour)}, model.StatusDelivered},
		{"old ready item is not a long wait", []*model.WorkItem{item(model.StateReady, time.Hour)}, model.StatusInProgress},
		{"exactly at threshold is not a long wait", []*model.WorkItem{item(model.StatePlaced, testThreshold)}, model.StatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveStatus(node, tt.items, testNow, testThreshold))
		})
	}
}

func TestDeriveStatus_AdminHoldSuppressesRules(t *testing.T) {
	items := []*model.WorkItem{item(model.StatePlaced, time.Hour)}

	reserved := &model.FloorNode{ID: "n-1", AdminHold: model.StatusReserved}
	assert.Equal(t, model.StatusReserved, DeriveStatus(reserved, items, testNow, testThreshold))

	offline := &model.FloorNode{ID: "n-2", AdminHold: model.StatusOffline}
	assert.Equal(t, model.StatusOffline, DeriveStatus(offline, nil, testNow, testThreshold))
}

func TestDeriveStatus_UsesPlacedAt(t *testing.T) {
	placedAt := testNow.Add(-time.Minute)
	w := item(model.StatePlaced, time.Hour)
	w.PlacedAt = &placedAt

	assert.Equal(t, model.StatusInProgress, DeriveStatus(nil, []*model.WorkItem{w}, testNow, testThreshold))
}

func TestStatusPriority(t *testing.T) {
	assert.Greater(t, StatusPriority(model.StatusNeedsAttention), StatusPriority(model.StatusInProgress))
	assert.Greater(t, StatusPriority(model.StatusInProgress), StatusPriority(model.StatusDelivered))
	assert.Greater(t, StatusPriority(model.StatusDelivered), StatusPriority(model.StatusAvailable))
}

func TestLongWaitItems(t *testing.T) {
	oldest := item(model.StatePlaced, 40*time.Minute)
	older := item(model.StatePreparing, 20*time.Minute)
	items := []*model.WorkItem{
		item(model.StatePlaced, time.Minute),
		older,
		item(model.StateServed, time.Hour),
		oldest,
	}

	result := LongWaitItems(items, testNow, testThreshold)

	require.Len(t, result, 2)
	assert.Same(t, oldest, result[0])
	assert.Same(t, older, result[1])
	assert.Empty(t, LongWaitItems(nil, testNow, testThreshold))
}
