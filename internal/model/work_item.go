package model

import "time"

// LifecycleState represents the lifecycle state of a work item
type LifecycleState string

const (
	// StateNew is a registered item that has not been placed yet
	StateNew LifecycleState = "NEW"
	// StatePlaced indicates the item was placed with the kitchen or line
	StatePlaced LifecycleState = "PLACED"
	// StatePreparing indicates the item is being worked on
	StatePreparing LifecycleState = "PREPARING"
	// StateReady indicates the item is ready to be handed over
	StateReady LifecycleState = "READY"
	// StateServed indicates the item was delivered to the node
	StateServed LifecycleState = "SERVED"
	// StateCompleted is terminal
	StateCompleted LifecycleState = "COMPLETED"
	// StateCancelled is terminal
	StateCancelled LifecycleState = "CANCELLED"
)

// Valid reports whether s is a known lifecycle state
func (s LifecycleState) Valid() bool {
	switch s {
	case StateNew, StatePlaced, StatePreparing, StateReady,
		StateServed, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s LifecycleState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// IsActive reports whether an item in this state counts toward node status
func (s LifecycleState) IsActive() bool {
	switch s {
	case StatePlaced, StatePreparing, StateReady, StateServed:
		return true
	}
	return false
}

// AwaitingService reports whether an item in this state can become a long wait
func (s LifecycleState) AwaitingService() bool {
	return s == StatePlaced || s == StatePreparing
}

// ActiveStates lists the states that count toward node status
func ActiveStates() []LifecycleState {
	return []LifecycleState{StatePlaced, StatePreparing, StateReady, StateServed}
}

// WaitingStates lists the states eligible for wait-time escalation
func WaitingStates() []LifecycleState {
	return []LifecycleState{StatePlaced, StatePreparing}
}

// WorkItem is an order or production ticket attached to a floor node
type WorkItem struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	NodeID      string         `json:"node_id"`
	Reference   string         `json:"reference,omitempty"`
	State       LifecycleState `json:"lifecycle_state"`
	CreatedAt   time.Time      `json:"created_at"`
	PlacedAt    *time.Time     `json:"placed_at,omitempty"`
	ServedAt    *time.Time     `json:"served_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WaitingSince is the reference point for wait-time calculation
func (w *WorkItem) WaitingSince() time.Time {
	if w.PlacedAt != nil {
		return *w.PlacedAt
	}
	return w.CreatedAt
}

// WaitTime returns how long a non-terminal item has been waiting
func (w *WorkItem) WaitTime(now time.Time) time.Duration {
	if w.State.IsTerminal() {
		return 0
	}
	d := now.Sub(w.WaitingSince())
	if d < 0 {
		return 0
	}
	return d
}

// WaitMinutes returns the wait time in whole minutes
func (w *WorkItem) WaitMinutes(now time.Time) int {
	return int(w.WaitTime(now) / time.Minute)
}

// IsLongWait reports whether the item has been awaiting service longer than threshold
func (w *WorkItem) IsLongWait(now time.Time, threshold time.Duration) bool {
	return w.State.AwaitingService() && w.WaitTime(now) > threshold
}

// Advance moves the item into next and stamps the matching timestamp.
// Callers validate the edge first.
func (w *WorkItem) Advance(next LifecycleState, at time.Time) {
	w.State = next
	w.UpdatedAt = at

	switch next {
	case StatePlaced:
		w.PlacedAt = &at
	case StateServed:
		w.ServedAt = &at
	case StateCompleted, StateCancelled:
		w.CompletedAt = &at
	}
}
