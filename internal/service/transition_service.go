package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/twinengine/internal/algorithm"
	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/model"
	"github.com/devrev/twinengine/internal/store"
	"github.com/devrev/twinengine/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher hands committed change events to subscribers
type Publisher interface {
	Publish(tenantID string, event model.ChangeEvent) error
}

// WorkItemIntake describes a new work item attached to a node
type WorkItemIntake struct {
	// ID is generated when empty
	ID        string
	TenantID  string
	NodeID    string
	Reference string
	// Place creates the item directly in PLACED
	Place bool
}

// EscalationRequest asks for a single node to be escalated
type EscalationRequest struct {
	NodeID    string
	Threshold time.Duration
	Cause     string
}

// EscalationOutcome reports what EscalateNode did with a node
type EscalationOutcome struct {
	NodeID         string
	TenantID       string
	Escalated      bool
	SkipReason     string
	OldStatus      model.DisplayStatus
	OldestItemID   string
	MaxWaitMinutes int
	ItemCount      int
}

// Skip reasons reported by EscalateNode
const (
	SkipHeld             = "held"
	SkipInactive         = "inactive"
	SkipAlreadyEscalated = "already_escalated"
	SkipNoLongWait       = "no_long_wait"
	SkipContended        = "contended"
	SkipDeadline         = "deadline"
)

// TransitionService is the state transition engine. Every operation runs in
// one store transaction, re-derives the node status from the node's active
// items under lock, and publishes change events only after commit.
type TransitionService struct {
	store     store.FloorStore
	publisher Publisher
	threshold time.Duration
	txTimeout time.Duration
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	logger    *zap.Logger
}

// NewTransitionService creates a new transition service
func NewTransitionService(
	floorStore store.FloorStore,
	publisher Publisher,
	threshold, txTimeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TransitionService {
	return &TransitionService{
		store:     floorStore,
		publisher: publisher,
		threshold: threshold,
		txTimeout: txTimeout,
		metrics:   m,
		tracer:    telemetry.Tracer("github.com/devrev/twinengine/internal/service"),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Threshold returns the configured long-wait threshold
func (s *TransitionService) Threshold() time.Duration {
	return s.threshold
}

// ApplyTransition moves a work item to newState and returns the node's
// display status after the call
func (s *TransitionService) ApplyTransition(
	ctx context.Context,
	workItemID string,
	newState model.LifecycleState,
	cause string,
) (status model.DisplayStatus, err error) {
	ctx, finish := s.begin(ctx, "ApplyTransition", "apply_transition",
		attribute.String("work_item_id", workItemID),
		attribute.String("new_state", string(newState)))
	defer func() { finish(err) }()

	if !newState.Valid() {
		return "", apierrors.InvalidArgument(fmt.Sprintf("unknown lifecycle state %q", newState), nil)
	}
	if cause == "" {
		cause = model.CauseTransition
	}

	var (
		events   []model.ChangeEvent
		tenantID string
	)
	err = s.store.RunInTx(ctx, func(tx store.FloorTx) error {
		item, err := tx.LockWorkItem(ctx, workItemID)
		if err != nil {
			return notFoundAs(err, apierrors.WorkItemNotFound(workItemID))
		}
		node, err := tx.LockNode(ctx, item.NodeID, store.LockWait)
		if err != nil {
			return notFoundAs(err, apierrors.NodeNotFound(item.NodeID))
		}
		tenantID = node.TenantID

		if err := algorithm.ValidateTransition(item.State, newState); err != nil {
			return err
		}

		now := s.now()
		from := item.State
		item.Advance(newState, now)
		if err := tx.UpdateWorkItem(ctx, item); err != nil {
			return err
		}

		event, err := s.recompute(ctx, tx, node, now, cause)
		if err != nil {
			return err
		}
		if event != nil {
			events = append(events, *event)
		}
		events = append(events, model.NewWorkItemUpdate(item, from, node, cause, now))
		status = node.DisplayStatus
		return nil
	})
	if err != nil {
		return "", s.classify(err)
	}

	s.logger.Debug("Applied transition",
		zap.String("tenant_id", tenantID),
		zap.String("work_item_id", workItemID),
		zap.String("new_state", string(newState)),
		zap.String("display_status", string(status)))

	s.publish(events)
	return status, nil
}

// ForceNodeStatus is the administrative and forced-attention write path.
// RESERVED and OFFLINE set an admin hold. NEEDS_ATTENTION is ignored while a
// hold is set.
func (s *TransitionService) ForceNodeStatus(
	ctx context.Context,
	nodeID string,
	status model.DisplayStatus,
	reason string,
) (current model.DisplayStatus, err error) {
	ctx, finish := s.begin(ctx, "ForceNodeStatus", "force_node_status",
		attribute.String("node_id", nodeID),
		attribute.String("status", string(status)))
	defer func() { finish(err) }()

	cause := model.CauseAdminHold
	switch status {
	case model.StatusNeedsAttention:
		cause = model.CauseForcedAttention
	case model.StatusReserved, model.StatusOffline:
	default:
		return "", apierrors.InvalidArgument(
			fmt.Sprintf("status %q cannot be forced; use NEEDS_ATTENTION, RESERVED or OFFLINE", status), nil)
	}
	if reason == "" {
		reason = cause
	}

	var events []model.ChangeEvent
	err = s.store.RunInTx(ctx, func(tx store.FloorTx) error {
		node, err := tx.LockNode(ctx, nodeID, store.LockWait)
		if err != nil {
			return notFoundAs(err, apierrors.NodeNotFound(nodeID))
		}

		if status == model.StatusNeedsAttention && node.Held() {
			s.logger.Debug("Ignoring forced attention on held node",
				zap.String("node_id", nodeID),
				zap.String("admin_hold", string(node.AdminHold)))
			current = node.DisplayStatus
			return nil
		}

		now := s.now()
		old := node.DisplayStatus
		holdChanged := false
		if status.IsHold() && node.AdminHold != status {
			node.AdminHold = status
			node.UpdatedAt = now
			holdChanged = true
		}
		changed := node.SetStatus(status, reason, now)
		if changed || holdChanged {
			if err := tx.UpdateNodeStatus(ctx, node); err != nil {
				return err
			}
		}
		if changed {
			events = append(events, model.NewStatusChange(node, old, cause, now))
		}
		current = node.DisplayStatus
		return nil
	})
	if err != nil {
		return "", s.classify(err)
	}

	if len(events) > 0 {
		s.metrics.RecordForcedStatus(string(status))
		s.logger.Info("Forced node status",
			zap.String("node_id", nodeID),
			zap.String("status", string(status)),
			zap.String("reason", reason))
	}
	s.publish(events)
	return current, nil
}

// ReleaseNode clears an admin hold and re-derives the node status
func (s *TransitionService) ReleaseNode(ctx context.Context, nodeID, reason string) (status model.DisplayStatus, err error) {
	ctx, finish := s.begin(ctx, "ReleaseNode", "release_node",
		attribute.String("node_id", nodeID))
	defer func() { finish(err) }()

	if reason == "" {
		reason = model.CauseAdminRelease
	}

	var events []model.ChangeEvent
	err = s.store.RunInTx(ctx, func(tx store.FloorTx) error {
		node, err := tx.LockNode(ctx, nodeID, store.LockWait)
		if err != nil {
			return notFoundAs(err, apierrors.NodeNotFound(nodeID))
		}
		if !node.Held() {
			status = node.DisplayStatus
			return nil
		}

		now := s.now()
		node.AdminHold = ""
		node.UpdatedAt = now

		event, err := s.recompute(ctx, tx, node, now, model.CauseAdminRelease)
		if err != nil {
			return err
		}
		if event == nil {
			// Hold cleared without a status change still has to be persisted
			if err := tx.UpdateNodeStatus(ctx, node); err != nil {
				return err
			}
		} else {
			events = append(events, *event)
		}
		status = node.DisplayStatus
		return nil
	})
	if err != nil {
		return "", s.classify(err)
	}

	s.logger.Info("Released node hold",
		zap.String("node_id", nodeID),
		zap.String("reason", reason),
		zap.String("display_status", string(status)))

	s.publish(events)
	return status, nil
}

// IntakeWorkItem registers a new work item on an active node of the tenant
func (s *TransitionService) IntakeWorkItem(
	ctx context.Context,
	intake WorkItemIntake,
) (item *model.WorkItem, status model.DisplayStatus, err error) {
	ctx, finish := s.begin(ctx, "IntakeWorkItem", "intake_work_item",
		attribute.String("tenant_id", intake.TenantID),
		attribute.String("node_id", intake.NodeID))
	defer func() { finish(err) }()

	if strings.TrimSpace(intake.TenantID) == "" || strings.TrimSpace(intake.NodeID) == "" {
		return nil, "", apierrors.InvalidArgument("tenant_id and node_id are required", nil)
	}
	if intake.ID == "" {
		intake.ID = uuid.New().String()
	}

	var events []model.ChangeEvent
	err = s.store.RunInTx(ctx, func(tx store.FloorTx) error {
		node, err := tx.LockNode(ctx, intake.NodeID, store.LockWait)
		if err != nil {
			return notFoundAs(err, apierrors.NodeNotFound(intake.NodeID))
		}
		if node.TenantID != intake.TenantID || !node.IsActive {
			return apierrors.NodeNotFound(intake.NodeID).WithDetail("tenant_id", intake.TenantID)
		}

		now := s.now()
		item = &model.WorkItem{
			ID:        intake.ID,
			TenantID:  intake.TenantID,
			NodeID:    intake.NodeID,
			Reference: intake.Reference,
			State:     model.StateNew,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if intake.Place {
			item.Advance(model.StatePlaced, now)
		}
		if err := tx.InsertWorkItem(ctx, item); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return apierrors.InvalidArgument(fmt.Sprintf("work item already exists: %s", intake.ID), err)
			}
			return err
		}

		if intake.Place {
			event, err := s.recompute(ctx, tx, node, now, model.CauseIntake)
			if err != nil {
				return err
			}
			if event != nil {
				events = append(events, *event)
			}
		}
		events = append(events, model.NewWorkItemUpdate(item, "", node, model.CauseIntake, now))
		status = node.DisplayStatus
		return nil
	})
	if err != nil {
		return nil, "", s.classify(err)
	}

	s.logger.Info("Registered work item",
		zap.String("tenant_id", item.TenantID),
		zap.String("node_id", item.NodeID),
		zap.String("work_item_id", item.ID),
		zap.String("lifecycle_state", string(item.State)))

	s.publish(events)
	return item, status, nil
}

// EscalateNode marks a node NEEDS_ATTENTION when it still has long-wait items.
// The node is locked without waiting so a contended node yields Conflict
// instead of blocking the caller.
func (s *TransitionService) EscalateNode(ctx context.Context, req EscalationRequest) (outcome EscalationOutcome, err error) {
	ctx, finish := s.begin(ctx, "EscalateNode", "escalate_node",
		attribute.String("node_id", req.NodeID))
	defer func() { finish(err) }()

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = s.threshold
	}
	cause := req.Cause
	if cause == "" {
		cause = model.CauseWaitTimeEscalation
	}
	outcome.NodeID = req.NodeID

	var events []model.ChangeEvent
	err = s.store.RunInTx(ctx, func(tx store.FloorTx) error {
		node, err := tx.LockNode(ctx, req.NodeID, store.LockNoWait)
		if err != nil {
			return notFoundAs(err, apierrors.NodeNotFound(req.NodeID))
		}
		outcome.TenantID = node.TenantID
		outcome.OldStatus = node.DisplayStatus

		switch {
		case !node.IsActive:
			outcome.SkipReason = SkipInactive
			return nil
		case node.Held():
			outcome.SkipReason = SkipHeld
			return nil
		case node.DisplayStatus == model.StatusNeedsAttention:
			outcome.SkipReason = SkipAlreadyEscalated
			return nil
		}

		items, err := tx.ListActiveItems(ctx, node.ID)
		if err != nil {
			return err
		}
		now := s.now()
		long := algorithm.LongWaitItems(items, now, threshold)
		if len(long) == 0 {
			outcome.SkipReason = SkipNoLongWait
			return nil
		}

		old := node.DisplayStatus
		node.SetStatus(model.StatusNeedsAttention, cause, now)
		if err := tx.UpdateNodeStatus(ctx, node); err != nil {
			return err
		}

		oldest := long[0]
		outcome.Escalated = true
		outcome.OldestItemID = oldest.ID
		outcome.MaxWaitMinutes = oldest.WaitMinutes(now)
		outcome.ItemCount = len(long)

		alert := model.NewStatusChange(node, old, cause, now)
		alert.Kind = model.EventWaitTimeAlert
		alert.WorkItemID = oldest.ID
		alert.WaitMinutes = outcome.MaxWaitMinutes
		alert.ItemCount = outcome.ItemCount

		events = append(events, model.NewStatusChange(node, old, cause, now), alert)
		return nil
	}, store.WithNoWait())
	if err != nil {
		return outcome, s.classify(err)
	}

	if outcome.Escalated {
		s.logger.Info("Escalated node",
			zap.String("tenant_id", outcome.TenantID),
			zap.String("node_id", outcome.NodeID),
			zap.String("oldest_work_item_id", outcome.OldestItemID),
			zap.Int("max_wait_minutes", outcome.MaxWaitMinutes),
			zap.Int("item_count", outcome.ItemCount))
	}
	s.publish(events)
	return outcome, nil
}

// recompute re-derives the node status from its active items inside tx and
// persists it when it changed. It returns the change event to publish.
func (s *TransitionService) recompute(
	ctx context.Context,
	tx store.FloorTx,
	node *model.FloorNode,
	now time.Time,
	cause string,
) (*model.ChangeEvent, error) {
	if node.Held() {
		return nil, nil
	}

	items, err := tx.ListActiveItems(ctx, node.ID)
	if err != nil {
		return nil, err
	}

	old := node.DisplayStatus
	derived := algorithm.DeriveStatus(node, items, now, s.threshold)
	if !node.SetStatus(derived, cause, now) {
		return nil, nil
	}
	if err := tx.UpdateNodeStatus(ctx, node); err != nil {
		return nil, err
	}

	event := model.NewStatusChange(node, old, cause, now)
	return &event, nil
}

// publish hands committed events to the broker. Delivery errors never reach
// the caller; the write has already committed.
func (s *TransitionService) publish(events []model.ChangeEvent) {
	for _, event := range events {
		if event.Kind == model.EventNodeStatusChange {
			s.metrics.RecordStatusChange(string(event.NewStatus))
		}
		if err := s.publisher.Publish(event.TenantID, event); err != nil {
			s.logger.Warn("Failed to broadcast change event",
				zap.String("tenant_id", event.TenantID),
				zap.String("node_id", event.NodeID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}

// begin bounds ctx by the transaction timeout and starts a span. The returned
// func ends the span and records the operation metric.
func (s *TransitionService) begin(
	ctx context.Context,
	spanName, operation string,
	attrs ...attribute.KeyValue,
) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "TransitionService."+spanName, trace.WithAttributes(attrs...))

	var cancel context.CancelFunc = func() {}
	if s.txTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
	}

	return ctx, func(err error) {
		cancel()
		result := "ok"
		if err != nil {
			result = strings.ToLower(string(apierrors.GetCode(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.RecordTransition(operation, result, time.Since(start))
		span.End()
	}
}

// classify maps store and context errors onto the engine taxonomy
func (s *TransitionService) classify(err error) error {
	if _, ok := apierrors.AsEngineError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, store.ErrLockTimeout):
		return apierrors.Conflict("floor node is being updated concurrently", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.Conflict("transaction timed out", err)
	case errors.Is(err, store.ErrNotFound):
		return apierrors.NewEngineError(apierrors.ErrCodeNotFound, "record not found", err)
	}

	s.logger.Error("Storage failure", zap.Error(err))
	return apierrors.StorageFailure("failed to commit floor update", err)
}

// notFoundAs replaces store.ErrNotFound with a typed not-found error
func notFoundAs(err error, notFound *apierrors.EngineError) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return err
}
