package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devrev/twinengine/internal/model"
	"go.uber.org/zap"
	"modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// Primary result codes; extended codes carry these in the low byte
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19

	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// SQLiteStore implements FloorStore on an embedded SQLite database.
// Transactions start IMMEDIATE so a writer holds the database lock from
// the first statement; lock waits are bounded by busy_timeout.
type SQLiteStore struct {
	db *sql.DB
	// noWait shares the database file with busy_timeout(0) for NoWait transactions
	noWait *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database file at path
func NewSQLiteStore(path string, lockTimeout time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, lockTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	noWait, err := sql.Open("sqlite", sqliteDSN(path, 0))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &SQLiteStore{db: db, noWait: noWait, logger: logger}, nil
}

func sqliteDSN(path string, lockTimeout time.Duration) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", lockTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

// Migrate creates the schema if it does not exist
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn in an immediate transaction. With WithNoWait the write
// lock is requested without a busy timeout.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(tx FloorTx) error, opts ...TxOption) (err error) {
	db := s.db
	if applyTxOptions(opts).NoWait {
		db = s.noWait
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}

	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
	}
	return nil
}

// ListNodes returns the active nodes of a tenant
func (s *SQLiteStore) ListNodes(ctx context.Context, tenantID string) ([]*model.FloorNode, error) {
	query := `SELECT ` + nodeColumns + `
		FROM floor_nodes
		WHERE tenant_id = ? AND is_active = 1
		ORDER BY name, node_id`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", mapSQLiteError(err))
	}
	defer rows.Close()

	var nodes []*model.FloorNode
	for rows.Next() {
		node, err := scanSQLiteNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// GetNode retrieves a node by id
func (s *SQLiteStore) GetNode(ctx context.Context, nodeID string) (*model.FloorNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM floor_nodes WHERE node_id = ?`

	node, err := scanSQLiteNode(s.db.QueryRowContext(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", nodeID, err)
	}
	return node, nil
}

// CreateNode inserts a new floor node
func (s *SQLiteStore) CreateNode(ctx context.Context, node *model.FloorNode) error {
	query := `
		INSERT INTO floor_nodes (` + nodeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		node.ID, node.TenantID, node.Name, node.NodeType,
		node.Position.X, node.Position.Y, node.Position.Z, node.Capacity,
		string(node.DisplayStatus), string(node.AdminHold), node.StatusReason, node.Version,
		boolToInt(node.IsActive), node.CreatedAt.UnixNano(), node.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", node.ID, mapSQLiteError(err))
	}
	return nil
}

// GetWorkItem retrieves a work item by id
func (s *SQLiteStore) GetWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE work_item_id = ?`

	item, err := scanSQLiteWorkItem(s.db.QueryRowContext(ctx, query, workItemID))
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %s: %w", workItemID, err)
	}
	return item, nil
}

// ListLongWaitItems returns escalation candidates
func (s *SQLiteStore) ListLongWaitItems(ctx context.Context, filter LongWaitFilter) ([]*model.WorkItem, error) {
	states := model.WaitingStates()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")

	query := `
		SELECT w.work_item_id, w.tenant_id, w.node_id, w.reference, w.lifecycle_state,
			w.created_at, w.placed_at, w.served_at, w.completed_at, w.updated_at
		FROM work_items w
		JOIN floor_nodes n ON n.node_id = w.node_id
		WHERE w.lifecycle_state IN (` + placeholders + `)
			AND COALESCE(w.placed_at, w.created_at) < ?
			AND n.is_active = 1
			AND n.admin_hold = ''
			AND n.display_status <> ?
			AND (? = '' OR w.tenant_id = ?)
		ORDER BY w.node_id, COALESCE(w.placed_at, w.created_at)
	`

	args := make([]any, 0, len(states)+4)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args,
		filter.WaitingBefore.UnixNano(),
		string(model.StatusNeedsAttention),
		filter.TenantID, filter.TenantID,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list long wait items: %w", mapSQLiteError(err))
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanSQLiteWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() {
	if err := s.noWait.Close(); err != nil {
		s.logger.Warn("Failed to close sqlite database", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Failed to close sqlite database", zap.Error(err))
	}
}

// sqliteTx implements FloorTx. The IMMEDIATE transaction already holds the
// write lock so row lock methods are plain reads.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE work_item_id = ?`

	item, err := scanSQLiteWorkItem(t.tx.QueryRowContext(ctx, query, workItemID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock work item %s: %w", workItemID, err)
	}
	return item, nil
}

func (t *sqliteTx) LockNode(ctx context.Context, nodeID string, _ LockMode) (*model.FloorNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM floor_nodes WHERE node_id = ?`

	node, err := scanSQLiteNode(t.tx.QueryRowContext(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %s: %w", nodeID, err)
	}
	return node, nil
}

func (t *sqliteTx) ListActiveItems(ctx context.Context, nodeID string) ([]*model.WorkItem, error) {
	states := model.ActiveStates()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")

	query := `SELECT ` + workItemColumns + `
		FROM work_items
		WHERE node_id = ? AND lifecycle_state IN (` + placeholders + `)
		ORDER BY created_at, work_item_id`

	args := []any{nodeID}
	for _, st := range states {
		args = append(args, string(st))
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active items: %w", mapSQLiteError(err))
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanSQLiteWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *sqliteTx) InsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	query := `
		INSERT INTO work_items (` + workItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := t.tx.ExecContext(ctx, query,
		item.ID, item.TenantID, item.NodeID, item.Reference, string(item.State),
		item.CreatedAt.UnixNano(), nullableNanos(item.PlacedAt), nullableNanos(item.ServedAt),
		nullableNanos(item.CompletedAt), item.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item %s: %w", item.ID, mapSQLiteError(err))
	}
	return nil
}

func (t *sqliteTx) UpdateWorkItem(ctx context.Context, item *model.WorkItem) error {
	query := `
		UPDATE work_items
		SET lifecycle_state = ?, placed_at = ?, served_at = ?, completed_at = ?, updated_at = ?
		WHERE work_item_id = ?
	`

	result, err := t.tx.ExecContext(ctx, query,
		string(item.State), nullableNanos(item.PlacedAt), nullableNanos(item.ServedAt),
		nullableNanos(item.CompletedAt), item.UpdatedAt.UnixNano(), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item %s: %w", item.ID, mapSQLiteError(err))
	}
	return expectOneRow(result, "work item", item.ID)
}

func (t *sqliteTx) UpdateNodeStatus(ctx context.Context, node *model.FloorNode) error {
	query := `
		UPDATE floor_nodes
		SET display_status = ?, admin_hold = ?, status_reason = ?, version = ?, updated_at = ?
		WHERE node_id = ?
	`

	result, err := t.tx.ExecContext(ctx, query,
		string(node.DisplayStatus), string(node.AdminHold), node.StatusReason,
		node.Version, node.UpdatedAt.UnixNano(), node.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", node.ID, mapSQLiteError(err))
	}
	return expectOneRow(result, "node", node.ID)
}

func expectOneRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteNode(row sqlRow) (*model.FloorNode, error) {
	var (
		node          model.FloorNode
		displayStatus string
		adminHold     string
		isActive      int
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&node.ID, &node.TenantID, &node.Name, &node.NodeType,
		&node.Position.X, &node.Position.Y, &node.Position.Z, &node.Capacity,
		&displayStatus, &adminHold, &node.StatusReason, &node.Version,
		&isActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	node.DisplayStatus = model.DisplayStatus(displayStatus)
	node.AdminHold = model.DisplayStatus(adminHold)
	node.IsActive = isActive != 0
	node.CreatedAt = fromNanos(createdAt)
	node.UpdatedAt = fromNanos(updatedAt)
	return &node, nil
}

func scanSQLiteWorkItem(row sqlRow) (*model.WorkItem, error) {
	var (
		item        model.WorkItem
		state       string
		createdAt   int64
		updatedAt   int64
		placedAt    sql.NullInt64
		servedAt    sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&item.ID, &item.TenantID, &item.NodeID, &item.Reference, &state,
		&createdAt, &placedAt, &servedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	item.State = model.LifecycleState(state)
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	item.PlacedAt = fromNullNanos(placedAt)
	item.ServedAt = fromNullNanos(servedAt)
	item.CompletedAt = fromNullNanos(completedAt)
	return &item, nil
}

// mapSQLiteError translates driver errors into store sentinels
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code&0xff == sqliteBusy, code&0xff == sqliteLocked:
			return fmt.Errorf("%w: %s", ErrLockTimeout, se.Error())
		case code == sqliteConstraintPrimaryKey, code == sqliteConstraintUnique:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, se.Error())
		case code&0xff == sqliteConstraint && strings.Contains(se.Error(), "UNIQUE"):
			return fmt.Errorf("%w: %s", ErrAlreadyExists, se.Error())
		}
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
