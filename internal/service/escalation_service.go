package service

import (
	"context"
	"sync"
	"time"

	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/model"
	"github.com/devrev/twinengine/internal/store"
	"go.uber.org/zap"
)

// NodeEscalator escalates a single node under lock
type NodeEscalator interface {
	EscalateNode(ctx context.Context, req EscalationRequest) (EscalationOutcome, error)
	Threshold() time.Duration
}

// SweepOptions parameterizes a sweep run
type SweepOptions struct {
	// TenantID restricts the sweep to one tenant when set
	TenantID string
	// Threshold overrides the engine threshold when positive
	Threshold time.Duration
	// DryRun reports candidates without mutating or broadcasting
	DryRun bool
}

// NodeEscalation describes one node handled by a sweep
type NodeEscalation struct {
	NodeID         string `json:"node_id"`
	TenantID       string `json:"tenant_id"`
	OldestItemID   string `json:"oldest_work_item_id,omitempty"`
	MaxWaitMinutes int    `json:"max_wait_minutes"`
	ItemCount      int    `json:"item_count"`
	Reason         string `json:"reason,omitempty"`
}

// SweepResult summarizes a sweep run
type SweepResult struct {
	CheckedItems     int              `json:"checked_items"`
	Escalated        []NodeEscalation `json:"escalated"`
	Skipped          []NodeEscalation `json:"skipped"`
	AlreadyEscalated int              `json:"already_escalated"`
	DryRun           bool             `json:"dry_run"`
	ThresholdMinutes int              `json:"threshold_minutes"`
	DurationMillis   int64            `json:"duration_ms"`
}

// EscalatedCount returns the number of nodes escalated (or that would be, on a dry run)
func (r *SweepResult) EscalatedCount() int {
	return len(r.Escalated)
}

// EscalationService finds work items waiting past the threshold and escalates
// their nodes. Scheduled runs take a shared lock so one replica sweeps at a time.
type EscalationService struct {
	escalator NodeEscalator
	store     store.FloorStore
	lock      store.SweepLock
	interval  time.Duration
	maxRun    time.Duration
	lockTTL   time.Duration
	lockKey   string
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// EscalationConfig holds sweep scheduling settings
type EscalationConfig struct {
	Interval   time.Duration
	MaxRunTime time.Duration
	LockTTL    time.Duration
	LockKey    string
}

// NewEscalationService creates a new escalation service
func NewEscalationService(
	escalator NodeEscalator,
	floorStore store.FloorStore,
	lock store.SweepLock,
	cfg EscalationConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *EscalationService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.MaxRunTime
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "floorsync:sweep:lock"
	}

	return &EscalationService{
		escalator: escalator,
		store:     floorStore,
		lock:      lock,
		interval:  cfg.Interval,
		maxRun:    cfg.MaxRunTime,
		lockTTL:   cfg.LockTTL,
		lockKey:   cfg.LockKey,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Sweep escalates every node with a work item awaiting service longer than
// the threshold. Running it again without intervening writes changes nothing.
func (s *EscalationService) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	start := time.Now()

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = s.escalator.Threshold()
	}

	result := &SweepResult{
		Escalated:        []NodeEscalation{},
		Skipped:          []NodeEscalation{},
		DryRun:           opts.DryRun,
		ThresholdMinutes: int(threshold / time.Minute),
	}

	now := s.now()
	items, err := s.store.ListLongWaitItems(ctx, store.LongWaitFilter{
		TenantID:      opts.TenantID,
		WaitingBefore: now.Add(-threshold),
	})
	if err != nil {
		s.finish(result, "storage_failure", start)
		s.logger.Error("Failed to list long wait items", zap.Error(err))
		return nil, apierrors.StorageFailure("failed to list long wait items", err)
	}
	result.CheckedItems = len(items)

	candidates := groupByNode(items, now)
	if opts.DryRun {
		result.Escalated = append(result.Escalated, candidates...)
		s.finish(result, "dry_run", start)
		return result, nil
	}

	runCtx := ctx
	if s.maxRun > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.maxRun)
		defer cancel()
	}

	for i, candidate := range candidates {
		if runCtx.Err() != nil {
			for _, rest := range candidates[i:] {
				rest.Reason = SkipDeadline
				result.Skipped = append(result.Skipped, rest)
			}
			break
		}

		outcome, err := s.escalator.EscalateNode(runCtx, EscalationRequest{
			NodeID:    candidate.NodeID,
			Threshold: threshold,
			Cause:     model.CauseWaitTimeEscalation,
		})
		switch {
		case apierrors.IsConflict(err):
			candidate.Reason = SkipContended
			result.Skipped = append(result.Skipped, candidate)
			s.logger.Debug("Skipping contended node", zap.String("node_id", candidate.NodeID))
		case apierrors.IsNotFound(err):
			s.logger.Debug("Node disappeared during sweep", zap.String("node_id", candidate.NodeID))
		case err != nil:
			s.finish(result, "storage_failure", start)
			return result, err
		case outcome.Escalated:
			result.Escalated = append(result.Escalated, NodeEscalation{
				NodeID:         outcome.NodeID,
				TenantID:       outcome.TenantID,
				OldestItemID:   outcome.OldestItemID,
				MaxWaitMinutes: outcome.MaxWaitMinutes,
				ItemCount:      outcome.ItemCount,
			})
		case outcome.SkipReason == SkipAlreadyEscalated:
			result.AlreadyEscalated++
		}
	}

	s.finish(result, "ok", start)
	if len(result.Escalated) > 0 || len(result.Skipped) > 0 {
		s.logger.Info("Escalation sweep completed",
			zap.String("tenant_id", opts.TenantID),
			zap.Int("checked_items", result.CheckedItems),
			zap.Int("escalated", len(result.Escalated)),
			zap.Int("skipped", len(result.Skipped)),
			zap.Int64("duration_ms", result.DurationMillis))
	}
	return result, nil
}

func (s *EscalationService) finish(result *SweepResult, outcome string, start time.Time) {
	elapsed := time.Since(start)
	result.DurationMillis = elapsed.Milliseconds()
	escalated := len(result.Escalated)
	if result.DryRun {
		escalated = 0
	}
	s.metrics.RecordSweep(outcome, escalated, len(result.Skipped), elapsed)
}

// groupByNode folds long-wait items into one candidate per node, keeping the
// order in which nodes first appear
func groupByNode(items []*model.WorkItem, now time.Time) []NodeEscalation {
	index := make(map[string]int)
	var out []NodeEscalation

	for _, item := range items {
		i, ok := index[item.NodeID]
		if !ok {
			index[item.NodeID] = len(out)
			out = append(out, NodeEscalation{NodeID: item.NodeID, TenantID: item.TenantID})
			i = len(out) - 1
		}
		c := &out[i]
		c.ItemCount++
		if wait := item.WaitMinutes(now); wait > c.MaxWaitMinutes || c.OldestItemID == "" {
			c.MaxWaitMinutes = wait
			c.OldestItemID = item.ID
		}
	}
	return out
}

// Start launches the periodic sweep loop
func (s *EscalationService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stopCh)

	s.logger.Info("Escalation sweep scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("max_run_time", s.maxRun))
}

// Stop stops the sweep loop and waits for an in-flight run
func (s *EscalationService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Escalation sweep scheduler stopped")
}

func (s *EscalationService) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			s.RunScheduled(ctx)
		case <-stopCh:
			return
		}
	}
}

// RunScheduled performs one sweep if this process can take the sweep lock.
// It returns false when another holder owns the lock.
func (s *EscalationService) RunScheduled(ctx context.Context) bool {
	acquired, err := s.lock.TryAcquire(ctx, s.lockKey, s.lockTTL)
	if err != nil {
		s.logger.Warn("Failed to acquire sweep lock", zap.Error(err))
		return false
	}
	if !acquired {
		s.logger.Debug("Sweep lock held elsewhere, skipping run")
		return false
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx, s.lockKey); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		}
	}()

	if _, err := s.Sweep(ctx, SweepOptions{}); err != nil {
		s.logger.Error("Scheduled sweep failed", zap.Error(err))
	}
	return true
}
