package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/rime/internal/schema"
)

// Standard bucket names
const (
	BucketCheckpoints = "checkpoints"  // Pre-change interface states for rollback
	BucketPluginAudit = "plugin_audit" // Plugin session connect/disconnect history
	BucketApplied     = "applied"      // Last applied desired state and plan
	BucketMeta        = "meta"         // Counters and daemon bookkeeping
)

// Checkpoint lifecycle states as persisted. The manager owns the transitions;
// the store just records them.
const (
	CheckpointPending    = "pending"
	CheckpointCommitted  = "committed"
	CheckpointRolledBack = "rolledback"
	CheckpointExpired    = "expired"
)

// CheckpointRecord is the persisted form of a checkpoint: the state of every
// interface a plan touches, captured before the first operation ran.
type CheckpointRecord struct {
	ID        uint64    `json:"id"`
	Tag       string    `json:"tag"` // UUID, stable across restarts
	PlanID    string    `json:"plan_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// ResolvedAt is set when the checkpoint leaves pending.
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// Before holds the pre-change state keyed by interface name. An entry
	// whose state is absent means the interface did not exist when the
	// checkpoint was taken, so rollback deletes it.
	Before map[string]*schema.Interface `json:"before"`

	// Order lists Before's keys in forward execution order. Rollback walks
	// it back to front, undoing the last write first.
	Order []string `json:"order,omitempty"`
}

// Resolved reports whether the checkpoint has left the pending state.
func (r *CheckpointRecord) Resolved() bool {
	return r.State != CheckpointPending
}

// CheckpointBucket provides typed access to checkpoint records.
type CheckpointBucket struct {
	store  Store
	bucket string

	// idMu serializes NextID's read-modify-write on the meta counter.
	idMu sync.Mutex
}

// NewCheckpointBucket creates a new checkpoint bucket accessor.
func NewCheckpointBucket(store Store) (*CheckpointBucket, error) {
	// Ensure buckets exist
	if err := store.CreateBucket(BucketCheckpoints); err != nil && err != ErrBucketExists {
		return nil, err
	}
	if err := store.CreateBucket(BucketMeta); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &CheckpointBucket{store: store, bucket: BucketCheckpoints}, nil
}

// checkpointKey generates a key that sorts lexically in ID order.
func (b *CheckpointBucket) checkpointKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// NextID allocates the next checkpoint ID. IDs are monotonic across daemon
// restarts because the counter lives in the meta bucket.
func (b *CheckpointBucket) NextID() (uint64, error) {
	b.idMu.Lock()
	defer b.idMu.Unlock()

	var last uint64
	err := b.store.GetJSON(BucketMeta, "checkpoint_seq", &last)
	if err != nil && err != ErrNotFound {
		return 0, err
	}
	next := last + 1
	if err := b.store.SetJSON(BucketMeta, "checkpoint_seq", next); err != nil {
		return 0, err
	}
	return next, nil
}

// Get retrieves a checkpoint by ID.
func (b *CheckpointBucket) Get(id uint64) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	if err := b.store.GetJSON(b.bucket, b.checkpointKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByTag finds a checkpoint by its UUID tag.
func (b *CheckpointBucket) GetByTag(tag string) (*CheckpointRecord, error) {
	recs, err := b.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Tag == tag {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Set stores a checkpoint record.
func (b *CheckpointBucket) Set(rec *CheckpointRecord) error {
	return b.store.SetJSON(b.bucket, b.checkpointKey(rec.ID), rec)
}

// Delete removes a checkpoint record.
func (b *CheckpointBucket) Delete(id uint64) error {
	return b.store.Delete(b.bucket, b.checkpointKey(id))
}

// List returns all checkpoint records in ascending ID order. The store lists
// keys lexically and checkpointKey pads IDs, so no re-sort is needed.
func (b *CheckpointBucket) List() ([]*CheckpointRecord, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	recs := make([]*CheckpointRecord, 0, len(data))
	for _, k := range keys {
		var rec CheckpointRecord
		if err := unmarshalJSON(data[k], &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// ListPending returns unresolved checkpoints in ascending ID order.
func (b *CheckpointBucket) ListPending() ([]*CheckpointRecord, error) {
	recs, err := b.List()
	if err != nil {
		return nil, err
	}
	pending := recs[:0]
	for _, rec := range recs {
		if !rec.Resolved() {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// PluginAuditRecord captures one plugin session's lifetime for the audit
// trail. DisconnectedAt stays zero while the session is live.
type PluginAuditRecord struct {
	SessionID      string    `json:"session_id"` // UUID
	Plugin         string    `json:"plugin"`
	PID            int       `json:"pid"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
	Reason         string    `json:"reason,omitempty"` // exit, lost, shutdown
}

// PluginAuditBucket provides typed access to plugin session history.
type PluginAuditBucket struct {
	store     Store
	bucket    string
	retention time.Duration
}

// DefaultAuditRetention is how long session records stay queryable.
const DefaultAuditRetention = 7 * 24 * time.Hour

// NewPluginAuditBucket creates a new plugin audit bucket accessor. A zero
// retention selects DefaultAuditRetention.
func NewPluginAuditBucket(store Store, retention time.Duration) (*PluginAuditBucket, error) {
	if err := store.CreateBucket(BucketPluginAudit); err != nil && err != ErrBucketExists {
		return nil, err
	}
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &PluginAuditBucket{store: store, bucket: BucketPluginAudit, retention: retention}, nil
}

// Get retrieves a session record by ID.
func (b *PluginAuditBucket) Get(sessionID string) (*PluginAuditRecord, error) {
	var rec PluginAuditRecord
	if err := b.store.GetJSON(b.bucket, sessionID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Set stores a session record. Records expire with the bucket's retention.
func (b *PluginAuditBucket) Set(rec *PluginAuditRecord) error {
	return b.store.SetJSONWithTTL(b.bucket, rec.SessionID, rec, b.retention)
}

// Delete removes a session record.
func (b *PluginAuditBucket) Delete(sessionID string) error {
	return b.store.Delete(b.bucket, sessionID)
}

// ListByPlugin returns all retained sessions for a plugin.
func (b *PluginAuditBucket) ListByPlugin(plugin string) ([]*PluginAuditRecord, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}

	var recs []*PluginAuditRecord
	for _, v := range data {
		var rec PluginAuditRecord
		if err := unmarshalJSON(v, &rec); err != nil {
			continue
		}
		if rec.Plugin == plugin {
			recs = append(recs, &rec)
		}
	}
	return recs, nil
}

// unmarshalJSON is a helper to unmarshal JSON bytes.
func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// =============================================================================
// Applied Bucket - stores the last desired state the daemon acted on
// =============================================================================

// AppliedBucket provides typed access to the most recently applied desired
// state and plan. The diff command compares a candidate document against the
// desired entry; crash recovery re-reads the plan entry.
type AppliedBucket struct {
	store  Store
	bucket string
}

// NewAppliedBucket creates a new applied bucket accessor.
func NewAppliedBucket(store Store) (*AppliedBucket, error) {
	if err := store.CreateBucket(BucketApplied); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &AppliedBucket{store: store, bucket: BucketApplied}, nil
}

// Keys within the applied bucket
const (
	AppliedKeyDesired = "desired"   // Last committed desired state
	AppliedKeyPlan    = "last_plan" // Plan from the most recent apply
)

// GetDesired retrieves the last committed desired state.
func (b *AppliedBucket) GetDesired() (*schema.DesiredState, error) {
	var d schema.DesiredState
	if err := b.store.GetJSON(b.bucket, AppliedKeyDesired, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetDesired stores the last committed desired state.
func (b *AppliedBucket) SetDesired(d *schema.DesiredState) error {
	return b.store.SetJSON(b.bucket, AppliedKeyDesired, d)
}

// GetLastPlan retrieves the most recently executed plan.
func (b *AppliedBucket) GetLastPlan() (*schema.Plan, error) {
	var p schema.Plan
	if err := b.store.GetJSON(b.bucket, AppliedKeyPlan, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetLastPlan stores the most recently executed plan.
func (b *AppliedBucket) SetLastPlan(p *schema.Plan) error {
	return b.store.SetJSON(b.bucket, AppliedKeyPlan, p)
}
