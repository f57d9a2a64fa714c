// Package storetest provides an on-disk SQLite floor store and fixtures for tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devrev/twinengine/internal/model"
	"github.com/devrev/twinengine/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// NewSQLiteStore returns a migrated store in a temp dir, closed on cleanup
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	return NewSQLiteStoreWithLockTimeout(t, 5*time.Second)
}

// NewSQLiteStoreWithLockTimeout is NewSQLiteStore with a custom busy timeout
func NewSQLiteStoreWithLockTimeout(t testing.TB, lockTimeout time.Duration) *store.SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "floor.db")
	s, err := store.NewSQLiteStore(path, lockTimeout, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// SeedNode creates an AVAILABLE active node
func SeedNode(t testing.TB, s store.FloorStore, tenantID, nodeID string, at time.Time) *model.FloorNode {
	t.Helper()

	node := &model.FloorNode{
		ID:            nodeID,
		TenantID:      tenantID,
		Name:          fmt.Sprintf("Table %s", nodeID),
		NodeType:      "TABLE",
		Position:      model.Position{X: 1, Y: 2},
		Capacity:      4,
		DisplayStatus: model.StatusAvailable,
		IsActive:      true,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	require.NoError(t, s.CreateNode(context.Background(), node))
	return node
}

// SeedWorkItem inserts a work item in state with placedAt set for placed states.
// It does not recompute the node status.
func SeedWorkItem(t testing.TB, s store.FloorStore, node *model.FloorNode, itemID string, state model.LifecycleState, placedAt time.Time) *model.WorkItem {
	t.Helper()

	item := &model.WorkItem{
		ID:        itemID,
		TenantID:  node.TenantID,
		NodeID:    node.ID,
		Reference: "ref-" + itemID,
		State:     state,
		CreatedAt: placedAt,
		UpdatedAt: placedAt,
	}
	if state != model.StateNew {
		p := placedAt
		item.PlacedAt = &p
	}
	if state == model.StateServed {
		p := placedAt
		item.ServedAt = &p
	}
	if state.IsTerminal() {
		p := placedAt
		item.CompletedAt = &p
	}

	err := s.RunInTx(context.Background(), func(tx store.FloorTx) error {
		return tx.InsertWorkItem(context.Background(), item)
	})
	require.NoError(t, err)
	return item
}

// SetNodeStatus overwrites a node's display status and hold without recomputation
func SetNodeStatus(t testing.TB, s store.FloorStore, nodeID string, status, hold model.DisplayStatus) {
	t.Helper()

	ctx := context.Background()
	err := s.RunInTx(ctx, func(tx store.FloorTx) error {
		node, err := tx.LockNode(ctx, nodeID, store.LockWait)
		if err != nil {
			return err
		}
		node.AdminHold = hold
		node.SetStatus(status, "seeded", node.UpdatedAt)
		return tx.UpdateNodeStatus(ctx, node)
	})
	require.NoError(t, err)
}

// HoldWriteLock keeps a transaction open on s until the returned func is
// called. The release func waits for the transaction to finish.
func HoldWriteLock(t testing.TB, s store.FloorStore) func() {
	t.Helper()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(context.Background(), func(tx store.FloorTx) error {
			close(held)
			<-release
			return nil
		})
	}()

	select {
	case <-held:
	case err := <-done:
		require.NoError(t, err)
		t.Fatal("transaction finished before the lock was held")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out acquiring the write lock")
	}

	var once sync.Once
	releaseFn := func() {
		once.Do(func() {
			close(release)
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(releaseFn)
	return releaseFn
}
