package model

import "time"

// DisplayStatus is the visual status of a floor node
type DisplayStatus string

const (
	// StatusAvailable indicates a node with no active work items
	StatusAvailable DisplayStatus = "AVAILABLE"
	// StatusInProgress indicates at least one item still being prepared
	StatusInProgress DisplayStatus = "IN_PROGRESS"
	// StatusDelivered indicates every active item has been served
	StatusDelivered DisplayStatus = "DELIVERED"
	// StatusNeedsAttention indicates an escalated node
	StatusNeedsAttention DisplayStatus = "NEEDS_ATTENTION"
	// StatusReserved is an administrative hold
	StatusReserved DisplayStatus = "RESERVED"
	// StatusOffline is an administrative hold
	StatusOffline DisplayStatus = "OFFLINE"
)

// Valid reports whether s is a known display status
func (s DisplayStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInProgress, StatusDelivered,
		StatusNeedsAttention, StatusReserved, StatusOffline:
		return true
	}
	return false
}

// IsHold reports whether s is an administrative hold status
func (s DisplayStatus) IsHold() bool {
	return s == StatusReserved || s == StatusOffline
}

// Position is a node's location on the floor plan
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FloorNode is a physical unit (table, station, machine) on a tenant's floor
type FloorNode struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Name          string        `json:"name"`
	NodeType      string        `json:"node_type"`
	Position      Position      `json:"position"`
	Capacity      int           `json:"capacity"`
	DisplayStatus DisplayStatus `json:"display_status"`
	// AdminHold is RESERVED, OFFLINE or empty
	AdminHold    DisplayStatus `json:"admin_hold,omitempty"`
	StatusReason string        `json:"status_reason,omitempty"`
	Version      int64         `json:"version"`
	IsActive     bool          `json:"is_active"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Held reports whether an administrative hold suppresses derived status
func (n *FloorNode) Held() bool {
	return n.AdminHold.IsHold()
}

// SetStatus records a new display status and bumps the version.
// It returns false when the status is unchanged.
func (n *FloorNode) SetStatus(status DisplayStatus, reason string, at time.Time) bool {
	if n.DisplayStatus == status {
		return false
	}
	n.DisplayStatus = status
	n.StatusReason = reason
	n.Version++
	n.UpdatedAt = at
	return true
}
