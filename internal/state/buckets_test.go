package state

import (
	"testing"
	"time"

	"grimm.is/rime/internal/schema"
)

// TestCheckpointBucket tests checkpoint record operations
func TestCheckpointBucket(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	bucket, err := NewCheckpointBucket(store)
	if err != nil {
		t.Fatalf("failed to create checkpoint bucket: %v", err)
	}

	// Allocate IDs
	id1, err := bucket.NextID()
	if err != nil {
		t.Fatalf("failed to allocate ID: %v", err)
	}
	if id1 != 1 {
		t.Errorf("expected first ID 1, got %d", id1)
	}
	id2, _ := bucket.NextID()
	if id2 != 2 {
		t.Errorf("expected second ID 2, got %d", id2)
	}

	// Store a record
	rec := &CheckpointRecord{
		ID:        id1,
		Tag:       "7b0e2b3a-0000-4000-8000-000000000001",
		PlanID:    "plan-1",
		State:     CheckpointPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
		Before: map[string]*schema.Interface{
			"eth0":    {Name: "eth0", Type: schema.TypeEthernet, State: schema.StateUp},
			"vlan100": nil, // did not exist before the plan
		},
	}
	if err := bucket.Set(rec); err != nil {
		t.Fatalf("failed to set record: %v", err)
	}

	// Get record
	got, err := bucket.Get(id1)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if got.PlanID != "plan-1" {
		t.Errorf("wrong plan ID: %s", got.PlanID)
	}
	if got.Before["eth0"] == nil || got.Before["eth0"].State != schema.StateUp {
		t.Errorf("pre-change state lost: %+v", got.Before["eth0"])
	}
	if before, ok := got.Before["vlan100"]; !ok || before != nil {
		t.Errorf("expected nil entry for previously absent interface, got %+v", before)
	}
	if got.Resolved() {
		t.Error("pending record should not be resolved")
	}

	// Get by tag
	byTag, err := bucket.GetByTag(rec.Tag)
	if err != nil {
		t.Fatalf("failed to get by tag: %v", err)
	}
	if byTag.ID != id1 {
		t.Errorf("wrong ID: %d", byTag.ID)
	}
	if _, err := bucket.GetByTag("no-such-tag"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Second record, resolved
	rec2 := &CheckpointRecord{
		ID:         id2,
		Tag:        "7b0e2b3a-0000-4000-8000-000000000002",
		PlanID:     "plan-2",
		State:      CheckpointCommitted,
		CreatedAt:  time.Now(),
		ResolvedAt: time.Now(),
	}
	if err := bucket.Set(rec2); err != nil {
		t.Fatalf("failed to set second record: %v", err)
	}

	// List is ID-ordered
	recs, err := bucket.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ID != id1 || recs[1].ID != id2 {
		t.Errorf("list out of order: %d, %d", recs[0].ID, recs[1].ID)
	}

	// Only the first is pending
	pending, err := bucket.ListPending()
	if err != nil {
		t.Fatalf("failed to list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id1 {
		t.Errorf("wrong pending set: %+v", pending)
	}

	// Delete
	if err := bucket.Delete(id1); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := bucket.Get(id1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// TestCheckpointBucket_IDsSurviveReopen tests counter persistence
func TestCheckpointBucket_IDsSurviveReopen(t *testing.T) {
	dbPath := t.TempDir() + "/state.db"

	store, err := NewSQLiteStore(DefaultOptions(dbPath))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	bucket, _ := NewCheckpointBucket(store)
	id1, _ := bucket.NextID()
	id2, _ := bucket.NextID()
	store.Close()

	store2, err := NewSQLiteStore(DefaultOptions(dbPath))
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()
	bucket2, _ := NewCheckpointBucket(store2)
	id3, err := bucket2.NextID()
	if err != nil {
		t.Fatalf("failed to allocate after reopen: %v", err)
	}
	if id3 != id2+1 || id1 != 1 {
		t.Errorf("counter not monotonic across reopen: %d, %d, %d", id1, id2, id3)
	}
}

// TestPluginAuditBucket tests plugin session history
func TestPluginAuditBucket(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	bucket, err := NewPluginAuditBucket(store, 0)
	if err != nil {
		t.Fatalf("failed to create audit bucket: %v", err)
	}
	if bucket.retention != DefaultAuditRetention {
		t.Errorf("zero retention should select default, got %v", bucket.retention)
	}

	rec := &PluginAuditRecord{
		SessionID:    "a6f2e9d0-0000-4000-8000-00000000abcd",
		Plugin:       "dhcp",
		PID:          4242,
		Capabilities: []string{"ethernet"},
		ConnectedAt:  time.Now(),
	}
	if err := bucket.Set(rec); err != nil {
		t.Fatalf("failed to set record: %v", err)
	}

	got, err := bucket.Get(rec.SessionID)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if got.Plugin != "dhcp" || got.PID != 4242 {
		t.Errorf("record mangled: %+v", got)
	}
	if !got.DisconnectedAt.IsZero() {
		t.Error("live session should have zero disconnect time")
	}

	// Close out the session and re-store
	got.DisconnectedAt = time.Now()
	got.Reason = "shutdown"
	if err := bucket.Set(got); err != nil {
		t.Fatalf("failed to update record: %v", err)
	}

	// ListByPlugin filters
	other := &PluginAuditRecord{
		SessionID:   "a6f2e9d0-0000-4000-8000-00000000dcba",
		Plugin:      "wireguard",
		PID:         4243,
		ConnectedAt: time.Now(),
	}
	bucket.Set(other)

	dhcpRecs, err := bucket.ListByPlugin("dhcp")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(dhcpRecs) != 1 || dhcpRecs[0].Reason != "shutdown" {
		t.Errorf("wrong dhcp sessions: %+v", dhcpRecs)
	}

	// Delete
	if err := bucket.Delete(rec.SessionID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := bucket.Get(rec.SessionID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestAppliedBucket tests last-applied persistence
func TestAppliedBucket(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	bucket, err := NewAppliedBucket(store)
	if err != nil {
		t.Fatalf("failed to create applied bucket: %v", err)
	}

	// Nothing applied yet
	if _, err := bucket.GetDesired(); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on empty bucket, got %v", err)
	}

	desired := &schema.DesiredState{
		Interfaces: []schema.Interface{
			{Name: "br0", Type: schema.TypeBridge, State: schema.StateUp},
			{Name: "eth1", Controller: "br0", State: schema.StateUp},
		},
	}
	if err := bucket.SetDesired(desired); err != nil {
		t.Fatalf("failed to set desired: %v", err)
	}

	got, err := bucket.GetDesired()
	if err != nil {
		t.Fatalf("failed to get desired: %v", err)
	}
	if len(got.Interfaces) != 2 || got.Interfaces[1].Controller != "br0" {
		t.Errorf("desired state mangled: %+v", got)
	}

	plan := &schema.Plan{
		ID:        "plan-9",
		CreatedAt: time.Now(),
		Ops: []schema.Operation{
			{Seq: 0, Kind: schema.OpCreate, Iface: "br0", Target: schema.TargetProvider},
		},
	}
	if err := bucket.SetLastPlan(plan); err != nil {
		t.Fatalf("failed to set plan: %v", err)
	}
	gotPlan, err := bucket.GetLastPlan()
	if err != nil {
		t.Fatalf("failed to get plan: %v", err)
	}
	if gotPlan.ID != "plan-9" || len(gotPlan.Ops) != 1 {
		t.Errorf("plan mangled: %+v", gotPlan)
	}
}
