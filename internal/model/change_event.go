package model

import "time"

// EventKind identifies the type of a change event
type EventKind string

const (
	// EventNodeStatusChange is emitted when a node's display status changes
	EventNodeStatusChange EventKind = "node_status_change"
	// EventWaitTimeAlert is emitted when the sweep escalates a node
	EventWaitTimeAlert EventKind = "wait_time_alert"
	// EventWorkItemUpdate is emitted when a work item is registered or moves
	// to a new lifecycle state, whether or not its node's status changed
	EventWorkItemUpdate EventKind = "work_item_update"
)

// Well-known causes
const (
	CauseTransition         = "work_item_transition"
	CauseWaitTimeEscalation = "wait_time_escalation"
	CauseForcedAttention    = "forced_attention"
	CauseAdminHold          = "admin_hold"
	CauseAdminRelease       = "admin_release"
	CauseIntake             = "intake"
)

// ChangeEvent is an ephemeral notification of a floor node change.
// It is produced after commit and never persisted.
type ChangeEvent struct {
	Kind        EventKind     `json:"kind"`
	TenantID    string        `json:"tenant_id"`
	NodeID      string        `json:"node_id"`
	OldStatus   DisplayStatus `json:"old_status,omitempty"`
	NewStatus   DisplayStatus `json:"new_status,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
	Cause       string        `json:"cause,omitempty"`
	NodeVersion int64         `json:"node_version"`

	// Set on wait_time_alert and work_item_update
	WorkItemID string `json:"work_item_id,omitempty"`

	// Set on wait_time_alert only
	WaitMinutes int `json:"wait_minutes,omitempty"`
	ItemCount   int `json:"item_count,omitempty"`

	// Set on work_item_update only. FromState is empty for a new item.
	Reference string         `json:"reference,omitempty"`
	FromState LifecycleState `json:"from_state,omitempty"`
	ToState   LifecycleState `json:"to_state,omitempty"`
}

// NewStatusChange builds a node_status_change event from a node that was just updated
func NewStatusChange(node *FloorNode, oldStatus DisplayStatus, cause string, at time.Time) ChangeEvent {
	return ChangeEvent{
		Kind:        EventNodeStatusChange,
		TenantID:    node.TenantID,
		NodeID:      node.ID,
		OldStatus:   oldStatus,
		NewStatus:   node.DisplayStatus,
		OccurredAt:  at,
		Cause:       cause,
		NodeVersion: node.Version,
	}
}

// NewWorkItemUpdate builds a work_item_update event for an item that was just
// written. NewStatus and NodeVersion describe the node after the same commit.
func NewWorkItemUpdate(item *WorkItem, from LifecycleState, node *FloorNode, cause string, at time.Time) ChangeEvent {
	return ChangeEvent{
		Kind:        EventWorkItemUpdate,
		TenantID:    node.TenantID,
		NodeID:      node.ID,
		NewStatus:   node.DisplayStatus,
		OccurredAt:  at,
		Cause:       cause,
		NodeVersion: node.Version,
		WorkItemID:  item.ID,
		Reference:   item.Reference,
		FromState:   from,
		ToState:     item.State,
	}
}
