// Adapters wire persistent state changes to the event hub so subscribers see
// checkpoint transitions no matter which component wrote them.
package events

import (
	"context"
	"encoding/json"

	"grimm.is/rime/internal/state"
)

// ──────────────────────────────────────────────────────────────────────────────
// Store Adapter
// ──────────────────────────────────────────────────────────────────────────────

// StoreAdapter subscribes to the state store's change stream and republishes
// checkpoint bucket writes as checkpoint lifecycle events. The checkpoint
// manager stays decoupled from the hub; anything that mutates a checkpoint
// record (commit, rollback, the expiry sweep) produces an event through here.
type StoreAdapter struct {
	hub   *Hub
	store state.Store
}

// NewStoreAdapter creates a new store adapter.
func NewStoreAdapter(hub *Hub, store state.Store) *StoreAdapter {
	return &StoreAdapter{
		hub:   hub,
		store: store,
	}
}

// Run consumes store changes until ctx is cancelled. Call it in its own
// goroutine; it returns when the subscription channel closes.
func (a *StoreAdapter) Run(ctx context.Context) {
	for change := range a.store.Subscribe(ctx) {
		a.handle(change)
	}
}

// handle translates one store change into an event, if it is one we expose.
func (a *StoreAdapter) handle(c state.Change) {
	if c.Bucket != state.BucketCheckpoints {
		return
	}
	if c.Type == state.ChangeDelete {
		// Pruned records carry no payload worth announcing.
		return
	}

	var rec state.CheckpointRecord
	if err := json.Unmarshal(c.Value, &rec); err != nil {
		return
	}

	var t EventType
	switch rec.State {
	case state.CheckpointPending:
		t = EventCheckpointCreated
	case state.CheckpointCommitted:
		t = EventCheckpointCommitted
	case state.CheckpointRolledBack:
		t = EventCheckpointRolledBack
	case state.CheckpointExpired:
		t = EventCheckpointExpired
	default:
		return
	}

	a.hub.Publish(Event{
		Type:   t,
		Source: "checkpoint",
		Data: CheckpointData{
			ID:        rec.ID,
			Tag:       rec.Tag,
			PlanID:    rec.PlanID,
			State:     rec.State,
			ExpiresAt: rec.ExpiresAt,
		},
	})
}
