package events

import (
	"context"
	"testing"
	"time"

	"grimm.is/rime/internal/state"
)

func TestStoreAdapter_CheckpointLifecycle(t *testing.T) {
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	bucket, err := state.NewCheckpointBucket(store)
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	hub := NewHub()
	ch := hub.Subscribe(10, EventCheckpointCreated, EventCheckpointCommitted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := NewStoreAdapter(hub, store)
	go adapter.Run(ctx)

	// Give the subscription goroutine a beat to attach
	time.Sleep(20 * time.Millisecond)

	rec := &state.CheckpointRecord{
		ID:        1,
		Tag:       "tag-1",
		PlanID:    "plan-1",
		State:     state.CheckpointPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := bucket.Set(rec); err != nil {
		t.Fatalf("failed to set record: %v", err)
	}

	select {
	case e := <-ch:
		if e.Type != EventCheckpointCreated {
			t.Errorf("expected EventCheckpointCreated, got %s", e.Type)
		}
		data, ok := e.Data.(CheckpointData)
		if !ok {
			t.Fatal("expected CheckpointData")
		}
		if data.ID != 1 || data.PlanID != "plan-1" {
			t.Errorf("payload mangled: %+v", data)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for created event")
	}

	// Commit transition surfaces too
	rec.State = state.CheckpointCommitted
	rec.ResolvedAt = time.Now()
	if err := bucket.Set(rec); err != nil {
		t.Fatalf("failed to update record: %v", err)
	}

	select {
	case e := <-ch:
		if e.Type != EventCheckpointCommitted {
			t.Errorf("expected EventCheckpointCommitted, got %s", e.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for committed event")
	}
}

func TestStoreAdapter_IgnoresOtherBuckets(t *testing.T) {
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.CreateBucket("unrelated"); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	hub := NewHub()
	ch := hub.Subscribe(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := NewStoreAdapter(hub, store)
	go adapter.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	if err := store.Set("unrelated", "k", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
