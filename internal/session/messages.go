package session

import (
	"time"

	"github.com/devrev/twinengine/internal/model"
)

// Message types on the subscriber wire protocol
const (
	TypeInitialState     = "initial_state"
	TypeNodeStatusChange = string(model.EventNodeStatusChange)
	TypeWaitTimeAlert    = string(model.EventWaitTimeAlert)
	TypeWorkItemUpdate   = string(model.EventWorkItemUpdate)
	TypePong             = "pong"
	TypeError            = "error"

	// Client to server
	TypeRequestStatus = "request_status"
	TypePing          = "ping"
)

// ClientMessage is an inbound control message
type ClientMessage struct {
	Type string `json:"type"`
}

// NodeState is one node in a snapshot
type NodeState struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	NodeType string              `json:"node_type"`
	Status   model.DisplayStatus `json:"status"`
	Position model.Position      `json:"position"`
	Capacity int                 `json:"capacity"`
	Version  int64               `json:"version"`
}

// InitialState is the full floor snapshot sent on join and on request_status
type InitialState struct {
	Type      string      `json:"type"`
	TenantID  string      `json:"tenant_id"`
	Nodes     []NodeState `json:"nodes"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewInitialState builds a snapshot message from committed nodes
func NewInitialState(tenantID string, nodes []*model.FloorNode, at time.Time) *InitialState {
	states := make([]NodeState, 0, len(nodes))
	for _, n := range nodes {
		states = append(states, NodeState{
			ID:       n.ID,
			Name:     n.Name,
			NodeType: n.NodeType,
			Status:   n.DisplayStatus,
			Position: n.Position,
			Capacity: n.Capacity,
			Version:  n.Version,
		})
	}
	return &InitialState{
		Type:      TypeInitialState,
		TenantID:  tenantID,
		Nodes:     states,
		Timestamp: at,
	}
}

// StatusChangeMessage is a node_status_change delta
type StatusChangeMessage struct {
	Type      string              `json:"type"`
	NodeID    string              `json:"node_id"`
	OldStatus model.DisplayStatus `json:"old_status"`
	NewStatus model.DisplayStatus `json:"new_status"`
	Timestamp time.Time           `json:"timestamp"`
	Cause     string              `json:"cause,omitempty"`
	Version   int64               `json:"version"`
}

// WaitTimeAlertMessage is a wait_time_alert delta
type WaitTimeAlertMessage struct {
	Type        string    `json:"type"`
	NodeID      string    `json:"node_id"`
	WorkItemID  string    `json:"work_item_id"`
	WaitMinutes int       `json:"wait_minutes"`
	ItemCount   int       `json:"item_count"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int64     `json:"version"`
}

// WorkItemUpdateMessage is a work_item_update delta
type WorkItemUpdateMessage struct {
	Type       string               `json:"type"`
	WorkItemID string               `json:"work_item_id"`
	NodeID     string               `json:"node_id"`
	Reference  string               `json:"reference,omitempty"`
	FromState  model.LifecycleState `json:"from_state,omitempty"`
	ToState    model.LifecycleState `json:"to_state"`
	NodeStatus model.DisplayStatus  `json:"node_status"`
	Timestamp  time.Time            `json:"timestamp"`
	Cause      string               `json:"cause,omitempty"`
	Version    int64                `json:"version"`
}

// PongMessage answers a ping
type PongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a problem with an inbound message
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// deltaMessage converts a change event to its wire message
func deltaMessage(event model.ChangeEvent) any {
	switch event.Kind {
	case model.EventWorkItemUpdate:
		return &WorkItemUpdateMessage{
			Type:       TypeWorkItemUpdate,
			WorkItemID: event.WorkItemID,
			NodeID:     event.NodeID,
			Reference:  event.Reference,
			FromState:  event.FromState,
			ToState:    event.ToState,
			NodeStatus: event.NewStatus,
			Timestamp:  event.OccurredAt,
			Cause:      event.Cause,
			Version:    event.NodeVersion,
		}
	case model.EventWaitTimeAlert:
		return &WaitTimeAlertMessage{
			Type:        TypeWaitTimeAlert,
			NodeID:      event.NodeID,
			WorkItemID:  event.WorkItemID,
			WaitMinutes: event.WaitMinutes,
			ItemCount:   event.ItemCount,
			Timestamp:   event.OccurredAt,
			Version:     event.NodeVersion,
		}
	}
	return &StatusChangeMessage{
		Type:      TypeNodeStatusChange,
		NodeID:    event.NodeID,
		OldStatus: event.OldStatus,
		NewStatus: event.NewStatus,
		Timestamp: event.OccurredAt,
		Cause:     event.Cause,
		Version:   event.NodeVersion,
	}
}
