package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/twinengine/internal/model"
)

var (
	// ErrNotFound is returned when a row or key is not found
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout is returned when a row lock could not be acquired in time
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrAlreadyExists is returned when inserting a duplicate id
	ErrAlreadyExists = errors.New("already exists")
)

// LockMode controls how a transaction acquires a row lock
type LockMode int

const (
	// LockWait waits up to the store's lock timeout
	LockWait LockMode = iota
	// LockNoWait fails immediately with ErrLockTimeout when the row is locked
	LockNoWait
)

// TxOptions tune a single transaction
type TxOptions struct {
	// NoWait fails the transaction with ErrLockTimeout instead of waiting
	// for a lock. On PostgreSQL this is expressed per row with LockNoWait; on
	// SQLite, where BEGIN IMMEDIATE takes the database write lock, the
	// transaction begins without a busy timeout.
	NoWait bool
}

// TxOption configures TxOptions
type TxOption func(*TxOptions)

// WithNoWait makes the transaction fail fast on lock contention
func WithNoWait() TxOption {
	return func(o *TxOptions) { o.NoWait = true }
}

func applyTxOptions(opts []TxOption) TxOptions {
	var o TxOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LongWaitFilter selects escalation candidates
type LongWaitFilter struct {
	// TenantID restricts the scan to one tenant when set
	TenantID string
	// WaitingBefore selects items waiting since before this instant
	WaitingBefore time.Time
}

// FloorStore is the authoritative store for floor nodes and work items
type FloorStore interface {
	// RunInTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back on error or panic.
	RunInTx(ctx context.Context, fn func(tx FloorTx) error, opts ...TxOption) error

	// ListNodes returns the active nodes of a tenant ordered by name
	ListNodes(ctx context.Context, tenantID string) ([]*model.FloorNode, error)
	GetNode(ctx context.Context, nodeID string) (*model.FloorNode, error)
	CreateNode(ctx context.Context, node *model.FloorNode) error
	GetWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error)

	// ListLongWaitItems returns items awaiting service since before
	// filter.WaitingBefore on active, unheld nodes that are not already
	// NEEDS_ATTENTION, ordered by node then wait start.
	ListLongWaitItems(ctx context.Context, filter LongWaitFilter) ([]*model.WorkItem, error)

	// Migrate creates the schema if it does not exist
	Migrate(ctx context.Context) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// FloorTx is the set of operations available inside a transaction.
// Lock order is work item before node.
type FloorTx interface {
	LockWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error)
	LockNode(ctx context.Context, nodeID string, mode LockMode) (*model.FloorNode, error)
	// ListActiveItems re-reads the active items of a node inside the transaction
	ListActiveItems(ctx context.Context, nodeID string) ([]*model.WorkItem, error)
	InsertWorkItem(ctx context.Context, item *model.WorkItem) error
	UpdateWorkItem(ctx context.Context, item *model.WorkItem) error
	// UpdateNodeStatus persists display status, admin hold, reason and version
	UpdateNodeStatus(ctx context.Context, node *model.FloorNode) error
}

// IdempotencyStore interface for idempotency key operations
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// SweepLock serializes escalation sweeps across replicas
type SweepLock interface {
	// TryAcquire takes the lock for ttl. It returns false when another holder owns it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
