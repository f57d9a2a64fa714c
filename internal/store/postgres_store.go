package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/twinengine/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/postgres.sql
var postgresSchema string

const (
	nodeColumns = `node_id, tenant_id, name, node_type, pos_x, pos_y, pos_z, capacity,
		display_status, admin_hold, status_reason, version, is_active, created_at, updated_at`

	workItemColumns = `work_item_id, tenant_id, node_id, reference, lifecycle_state,
		created_at, placed_at, served_at, completed_at, updated_at`

	// SQLSTATE codes mapped to ErrLockTimeout
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PostgresStore implements FloorStore for PostgreSQL with row-level locks
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *zap.Logger
}

// PostgresOptions holds PostgreSQL connection settings
type PostgresOptions struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
}

// NewPostgresStore creates a new PostgreSQL floor store
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, opts.MaxConns, opts.MinConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:        pool,
		lockTimeout: opts.LockTimeout,
		logger:      logger,
	}, nil
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn in a transaction with a bounded lock wait. Fail-fast
// locking is requested per row with LockNoWait, so TxOptions.NoWait needs no
// transaction setting here.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx FloorTx) error, _ ...TxOption) (err error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPgError(err))
	}

	defer func() {
		if r := recover(); r != nil {
			_ = pgTx.Rollback(context.Background())
			panic(r)
		}
		if err != nil {
			_ = pgTx.Rollback(context.Background())
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = pgTx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", mapPgError(err))
		}
	}

	if err = fn(&postgresTx{tx: pgTx}); err != nil {
		return err
	}

	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPgError(err))
	}
	return nil
}

// ListNodes returns the active nodes of a tenant
func (s *PostgresStore) ListNodes(ctx context.Context, tenantID string) ([]*model.FloorNode, error) {
	query := `SELECT ` + nodeColumns + `
		FROM floor_nodes
		WHERE tenant_id = $1 AND is_active
		ORDER BY name, node_id`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", mapPgError(err))
	}
	defer rows.Close()

	var nodes []*model.FloorNode
	for rows.Next() {
		node, err := scanPgNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// GetNode retrieves a node by id
func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*model.FloorNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM floor_nodes WHERE node_id = $1`

	node, err := scanPgNode(s.pool.QueryRow(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", nodeID, mapPgError(err))
	}
	return node, nil
}

// CreateNode inserts a new floor node
func (s *PostgresStore) CreateNode(ctx context.Context, node *model.FloorNode) error {
	query := `
		INSERT INTO floor_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.pool.Exec(ctx, query,
		node.ID, node.TenantID, node.Name, node.NodeType,
		node.Position.X, node.Position.Y, node.Position.Z, node.Capacity,
		string(node.DisplayStatus), string(node.AdminHold), node.StatusReason, node.Version,
		node.IsActive, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", node.ID, mapPgError(err))
	}
	return nil
}

// GetWorkItem retrieves a work item by id
func (s *PostgresStore) GetWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE work_item_id = $1`

	item, err := scanPgWorkItem(s.pool.QueryRow(ctx, query, workItemID))
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %s: %w", workItemID, mapPgError(err))
	}
	return item, nil
}

// ListLongWaitItems returns escalation candidates
func (s *PostgresStore) ListLongWaitItems(ctx context.Context, filter LongWaitFilter) ([]*model.WorkItem, error) {
	query := `
		SELECT w.work_item_id, w.tenant_id, w.node_id, w.reference, w.lifecycle_state,
			w.created_at, w.placed_at, w.served_at, w.completed_at, w.updated_at
		FROM work_items w
		JOIN floor_nodes n ON n.node_id = w.node_id
		WHERE w.lifecycle_state = ANY($1)
			AND COALESCE(w.placed_at, w.created_at) < $2
			AND n.is_active
			AND n.admin_hold = ''
			AND n.display_status <> $3
			AND ($4 = '' OR w.tenant_id = $4)
		ORDER BY w.node_id, COALESCE(w.placed_at, w.created_at)
	`

	rows, err := s.pool.Query(ctx, query,
		stateStrings(model.WaitingStates()),
		filter.WaitingBefore,
		string(model.StatusNeedsAttention),
		filter.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list long wait items: %w", mapPgError(err))
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanPgWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// postgresTx implements FloorTx on a pgx transaction
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE work_item_id = $1 FOR UPDATE`

	item, err := scanPgWorkItem(t.tx.QueryRow(ctx, query, workItemID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock work item %s: %w", workItemID, mapPgError(err))
	}
	return item, nil
}

func (t *postgresTx) LockNode(ctx context.Context, nodeID string, mode LockMode) (*model.FloorNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM floor_nodes WHERE node_id = $1 FOR UPDATE`
	if mode == LockNoWait {
		query += ` NOWAIT`
	}

	node, err := scanPgNode(t.tx.QueryRow(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %s: %w", nodeID, mapPgError(err))
	}
	return node, nil
}

func (t *postgresTx) ListActiveItems(ctx context.Context, nodeID string) ([]*model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + `
		FROM work_items
		WHERE node_id = $1 AND lifecycle_state = ANY($2)
		ORDER BY created_at, work_item_id`

	rows, err := t.tx.Query(ctx, query, nodeID, stateStrings(model.ActiveStates()))
	if err != nil {
		return nil, fmt.Errorf("failed to list active items: %w", mapPgError(err))
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanPgWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *postgresTx) InsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	query := `
		INSERT INTO work_items (` + workItemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := t.tx.Exec(ctx, query,
		item.ID, item.TenantID, item.NodeID, item.Reference, string(item.State),
		item.CreatedAt, item.PlacedAt, item.ServedAt, item.CompletedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item %s: %w", item.ID, mapPgError(err))
	}
	return nil
}

func (t *postgresTx) UpdateWorkItem(ctx context.Context, item *model.WorkItem) error {
	query := `
		UPDATE work_items
		SET lifecycle_state = $2, placed_at = $3, served_at = $4, completed_at = $5, updated_at = $6
		WHERE work_item_id = $1
	`

	result, err := t.tx.Exec(ctx, query,
		item.ID, string(item.State), item.PlacedAt, item.ServedAt, item.CompletedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item %s: %w", item.ID, mapPgError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("failed to update work item %s: %w", item.ID, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) UpdateNodeStatus(ctx context.Context, node *model.FloorNode) error {
	query := `
		UPDATE floor_nodes
		SET display_status = $2, admin_hold = $3, status_reason = $4, version = $5, updated_at = $6
		WHERE node_id = $1
	`

	result, err := t.tx.Exec(ctx, query,
		node.ID, string(node.DisplayStatus), string(node.AdminHold), node.StatusReason, node.Version, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", node.ID, mapPgError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("failed to update node %s: %w", node.ID, ErrNotFound)
	}
	return nil
}

func scanPgNode(row pgx.Row) (*model.FloorNode, error) {
	var (
		node          model.FloorNode
		displayStatus string
		adminHold     string
	)
	err := row.Scan(
		&node.ID, &node.TenantID, &node.Name, &node.NodeType,
		&node.Position.X, &node.Position.Y, &node.Position.Z, &node.Capacity,
		&displayStatus, &adminHold, &node.StatusReason, &node.Version,
		&node.IsActive, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	node.DisplayStatus = model.DisplayStatus(displayStatus)
	node.AdminHold = model.DisplayStatus(adminHold)
	return &node, nil
}

func scanPgWorkItem(row pgx.Row) (*model.WorkItem, error) {
	var (
		item  model.WorkItem
		state string
	)
	err := row.Scan(
		&item.ID, &item.TenantID, &item.NodeID, &item.Reference, &state,
		&item.CreatedAt, &item.PlacedAt, &item.ServedAt, &item.CompletedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	item.State = model.LifecycleState(state)
	return &item, nil
}

// mapPgError translates driver errors into store sentinels
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.Message)
		}
	}
	return err
}

func stateStrings(states []model.LifecycleState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
