// Package events provides a unified pub/sub event bus for Rime.
// Checkpoint lifecycle, plan execution, plugin sessions, and link changes
// flow through this hub; the subscribe IPC verb streams it to clients.
package events

import "time"

// EventType identifies the category of event.
type EventType string

// Event types for all engine sources.
const (
	// Checkpoint lifecycle events
	EventCheckpointCreated    EventType = "checkpoint.created"
	EventCheckpointCommitted  EventType = "checkpoint.committed"
	EventCheckpointRolledBack EventType = "checkpoint.rolledback"
	EventCheckpointExpired    EventType = "checkpoint.expired"

	// Plan execution events
	EventPlanCreated   EventType = "plan.created"
	EventPlanStarted   EventType = "plan.started"
	EventPlanCompleted EventType = "plan.completed"
	EventPlanFailed    EventType = "plan.failed"

	// Per-operation events
	EventOpStarted   EventType = "op.started"
	EventOpCompleted EventType = "op.completed"
	EventOpFailed    EventType = "op.failed"

	// Plugin session events
	EventPluginRegistered EventType = "plugin.registered"
	EventPluginLost       EventType = "plugin.lost"

	// Kernel link events (from the provider's netlink monitor)
	EventLinkChanged EventType = "link.changed"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "engine", "checkpoint", "plugin", etc.
	Data      interface{} `json:"data"`   // Type-specific payload
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// CheckpointData is the payload for checkpoint lifecycle events.
type CheckpointData struct {
	ID        uint64    `json:"id"`
	Tag       string    `json:"tag"`
	PlanID    string    `json:"plan_id,omitempty"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// PlanData is the payload for plan execution events.
type PlanData struct {
	PlanID     string   `json:"plan_id"`
	Ops        int      `json:"ops"`
	Interfaces []string `json:"interfaces,omitempty"`
	Error      string   `json:"error,omitempty"` // Set on EventPlanFailed
}

// OperationData is the payload for per-operation events.
type OperationData struct {
	PlanID string `json:"plan_id"`
	Seq    int    `json:"seq"`
	Kind   string `json:"kind"`
	Iface  string `json:"iface"`
	Target string `json:"target"`
	Error  string `json:"error,omitempty"` // Set on EventOpFailed
}

// PluginData is the payload for plugin session events.
type PluginData struct {
	Plugin       string   `json:"plugin"`
	SessionID    string   `json:"session_id,omitempty"`
	PID          int      `json:"pid,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Reason       string   `json:"reason,omitempty"` // Set on EventPluginLost
}

// LinkData is the payload for kernel link change events.
type LinkData struct {
	Name   string `json:"name"`
	Index  int    `json:"index,omitempty"`
	Type   string `json:"type,omitempty"`
	State  string `json:"state,omitempty"`
	Change string `json:"change"` // "add", "del", "update"
}
