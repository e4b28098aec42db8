package ipc

import (
	"time"

	"grimm.is/rime/internal/events"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/schema"
)

// Verb names a control-socket operation.
type Verb string

const (
	VerbQuery       Verb = "query"
	VerbApply       Verb = "apply"
	VerbCommit      Verb = "commit"
	VerbRollback    Verb = "rollback"
	VerbCheckpoints Verb = "checkpoints"
	VerbPlugins     Verb = "plugins"
	VerbStatus      Verb = "status"
	VerbSubscribe   Verb = "subscribe"
)

// KnownVerb reports whether v is part of the protocol.
func KnownVerb(v Verb) bool {
	switch v {
	case VerbQuery, VerbApply, VerbCommit, VerbRollback,
		VerbCheckpoints, VerbPlugins, VerbStatus, VerbSubscribe:
		return true
	}
	return false
}

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the client-to-daemon envelope. Verb selects the operation;
// the payload fields that apply depend on the verb.
type Request struct {
	ID   string `yaml:"id,omitempty"`
	Verb Verb   `yaml:"verb"`

	// TimeoutSeconds overrides the daemon's per-request deadline when > 0.
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// Scope restricts a query to named interfaces. Empty means everything.
	Scope []string `yaml:"scope,omitempty"`

	// Desired carries the document for apply.
	Desired *schema.DesiredState `yaml:"desired,omitempty"`

	// DryRun makes apply stop after planning: the plan comes back, nothing
	// executes, no checkpoint opens.
	DryRun bool `yaml:"dry_run,omitempty"`

	// ConfirmSeconds tunes apply's confirm window: 0 uses the configured
	// default, > 0 overrides it, < 0 commits immediately without a window.
	ConfirmSeconds int `yaml:"confirm,omitempty"`

	// Checkpoint targets commit/rollback by numeric ID; Tag targets by UUID.
	// Exactly one should be set for those verbs.
	Checkpoint uint64 `yaml:"checkpoint,omitempty"`
	Tag        string `yaml:"tag,omitempty"`

	// EventTypes filters a subscription. Empty means all events.
	EventTypes []string `yaml:"events,omitempty"`
}

// Response is the daemon-to-client envelope. Status tells ok from error;
// exactly the fields the verb produces are populated.
type Response struct {
	ID     string       `yaml:"id,omitempty"`
	Status string       `yaml:"status"`
	Error  *fault.Error `yaml:"error,omitempty"`

	Snapshot    *schema.UnifiedSnapshot `yaml:"snapshot,omitempty"`
	Plan        *schema.Plan            `yaml:"plan,omitempty"`
	Result      *schema.RunResult       `yaml:"result,omitempty"`
	Checkpoint  *CheckpointInfo         `yaml:"checkpoint,omitempty"`
	Checkpoints []CheckpointInfo        `yaml:"checkpoints,omitempty"`
	Plugins     []PluginInfo            `yaml:"plugins,omitempty"`
	Daemon      *DaemonStatus           `yaml:"daemon,omitempty"`
}

// OK builds a success response for a request ID.
func OK(id string) *Response {
	return &Response{ID: id, Status: StatusOK}
}

// Fail builds an error response, coercing err into the wire error shape.
func Fail(id string, err error) *Response {
	return &Response{ID: id, Status: StatusError, Error: fault.From(err)}
}

// Err returns the response's error, or nil for a success.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return fault.OperationFailed("", "request failed with no error detail")
}

// CheckpointInfo is the wire view of one checkpoint.
type CheckpointInfo struct {
	ID         uint64    `yaml:"id"`
	Tag        string    `yaml:"tag"`
	PlanID     string    `yaml:"plan_id,omitempty"`
	State      string    `yaml:"state"`
	CreatedAt  time.Time `yaml:"created_at"`
	ExpiresAt  time.Time `yaml:"expires_at,omitempty"`
	ResolvedAt time.Time `yaml:"resolved_at,omitempty"`
	Interfaces []string  `yaml:"interfaces,omitempty"`
}

// PluginInfo is the wire view of one plugin session.
type PluginInfo struct {
	Name         string    `yaml:"name"`
	SessionID    string    `yaml:"session_id,omitempty"`
	PID          int       `yaml:"pid,omitempty"`
	Capabilities []string  `yaml:"capabilities,omitempty"`
	ConnectedAt  time.Time `yaml:"connected_at,omitempty"`
	State        string    `yaml:"state"` // ready, lost, restarting
}

// DaemonStatus is the wire view of the daemon itself.
type DaemonStatus struct {
	Version            string    `yaml:"version"`
	PID                int       `yaml:"pid"`
	StartedAt          time.Time `yaml:"started_at"`
	UptimeSeconds      int64     `yaml:"uptime_seconds"`
	PluginsConnected   int       `yaml:"plugins_connected"`
	CheckpointsPending int       `yaml:"checkpoints_pending"`
	QueueDepth         int       `yaml:"queue_depth"`
	Interfaces         int       `yaml:"interfaces"`

	System *SystemInfo `yaml:"system,omitempty"`
}

// SystemInfo carries host-level numbers in status responses.
type SystemInfo struct {
	UptimeSeconds int64   `yaml:"uptime_seconds,omitempty"`
	LoadAvg1      float64 `yaml:"load_avg_1,omitempty"`
	LoadAvg5      float64 `yaml:"load_avg_5,omitempty"`
	LoadAvg15     float64 `yaml:"load_avg_15,omitempty"`
	MemTotal      uint64  `yaml:"mem_total_bytes,omitempty"`
	MemAvailable  uint64  `yaml:"mem_available_bytes,omitempty"`
}

// Event is the wire form of a hub event, streamed after a subscribe
// response until the client hangs up.
type Event struct {
	Type      string      `yaml:"type"`
	Timestamp time.Time   `yaml:"timestamp"`
	Source    string      `yaml:"source,omitempty"`
	Data      interface{} `yaml:"data,omitempty"`
}

// FromHubEvent converts an internal hub event for the wire.
func FromHubEvent(e events.Event) Event {
	return Event{
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Source:    e.Source,
		Data:      e.Data,
	}
}
