// Package checkpoint guards plan execution with application-level
// compensation. There is no kernel transaction to wrap a plan in, so before
// the first write the manager captures the pre-change state of every
// interface the plan touches and persists it. Rollback replays those captures
// through the same write paths forward application used, newest write first.
// A checkpoint that is neither committed nor rolled back expires after the
// retention window; the host then keeps whatever was last applied.
package checkpoint

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/events"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/metrics"
	"grimm.is/rime/internal/schema"
	"grimm.is/rime/internal/state"
)

// DefaultRetention mirrors the config default of 600 seconds.
const DefaultRetention = 10 * time.Minute

// Applier drives one interface to a captured state. The engine's dispatcher
// satisfies it, so rollback travels the same provider and plugin write paths
// as forward application.
type Applier interface {
	ApplyState(ctx context.Context, iface schema.Interface) error
}

// Manager owns the checkpoint lifecycle. Records live in the state store, so
// they survive daemon restarts and IDs stay monotonic across them.
type Manager struct {
	bucket    *state.CheckpointBucket
	applier   Applier
	hub       *events.Hub
	logger    *logging.Logger
	retention time.Duration

	// mu serializes lifecycle transitions so a commit and a rollback racing
	// for the same checkpoint cannot both win.
	mu sync.Mutex
}

// NewManager creates a checkpoint manager. hub may be nil in tests. A
// non-positive retention selects DefaultRetention.
func NewManager(bucket *state.CheckpointBucket, applier Applier, hub *events.Hub, retention time.Duration, logger *logging.Logger) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		bucket:    bucket,
		applier:   applier,
		hub:       hub,
		logger:    logger.WithComponent("checkpoint"),
		retention: retention,
	}
}

// Open captures the pre-change state of every interface the plan touches and
// persists it before the executor performs any write. Once Open returns, the
// record is durable; losing the daemon mid-plan still leaves enough on disk
// to roll back after a restart.
func (m *Manager) Open(ctx context.Context, plan *schema.Plan) (*state.CheckpointRecord, error) {
	before := make(map[string]*schema.Interface, len(plan.Ops))
	order := make([]string, 0, len(plan.Ops))
	for _, op := range plan.Ops {
		if _, ok := before[op.Iface]; ok {
			continue
		}
		order = append(order, op.Iface)
		if cur, ok := plan.Snapshot.Get(op.Iface); ok {
			c := cur.Clone()
			before[op.Iface] = &c
			continue
		}
		// The plan creates this interface, so restoring it means deleting
		// it. The type rides along to route the delete.
		before[op.Iface] = &schema.Interface{
			Name:  op.Iface,
			Type:  op.Desired.Type,
			State: schema.StateAbsent,
		}
	}

	id, err := m.bucket.NextID()
	if err != nil {
		return nil, storeFault(0, "allocating checkpoint id", err)
	}
	now := clock.Now()
	rec := &state.CheckpointRecord{
		ID:        id,
		Tag:       uuid.NewString(),
		PlanID:    plan.ID,
		State:     state.CheckpointPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.retention),
		Before:    before,
		Order:     order,
	}
	if err := m.bucket.Set(rec); err != nil {
		return nil, storeFault(id, "persisting checkpoint", err)
	}

	metrics.Get().CheckpointsActive.Inc()
	m.emit(events.EventCheckpointCreated, rec)
	m.logger.Info("Checkpoint opened",
		"id", id,
		"tag", rec.Tag,
		"plan", plan.ID,
		"interfaces", len(before),
		"expires_at", rec.ExpiresAt)
	return rec, nil
}

// Commit resolves a pending checkpoint. A committed checkpoint stays in the
// store for audit until the sweeper reclaims it, but it can never be rolled
// back. Committing an already committed checkpoint is a no-op.
func (m *Manager) Commit(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.get(id)
	if err != nil {
		return err
	}
	switch rec.State {
	case state.CheckpointCommitted:
		return nil
	case state.CheckpointRolledBack:
		e := fault.New(fault.KindOperationFailed, "checkpoint %d was already rolled back", id)
		e.Checkpoint = id
		return e
	case state.CheckpointExpired:
		return fault.CheckpointExpired(id)
	}
	if clock.Now().After(rec.ExpiresAt) {
		m.expire(rec)
		return fault.CheckpointExpired(id)
	}

	if err := m.transition(rec, state.CheckpointCommitted); err != nil {
		return err
	}
	m.emit(events.EventCheckpointCommitted, rec)
	m.logger.Info("Checkpoint committed", "id", id, "plan", rec.PlanID)
	return nil
}

// Rollback replays the captured pre-change states through the applier,
// undoing the last write first. Committed checkpoints are refused; commit is
// the point of no return. A failed replay leaves the checkpoint pending so
// the caller can try again, and the returned error names every interface
// whose state is now unknown.
func (m *Manager) Rollback(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.get(id)
	if err != nil {
		return err
	}
	switch rec.State {
	case state.CheckpointRolledBack:
		return nil
	case state.CheckpointCommitted:
		e := fault.New(fault.KindOperationFailed, "checkpoint %d is committed and kept for audit only", id)
		e.Checkpoint = id
		return e
	case state.CheckpointExpired:
		return fault.CheckpointExpired(id)
	}
	if clock.Now().After(rec.ExpiresAt) {
		m.expire(rec)
		return fault.CheckpointExpired(id)
	}

	order := rec.Order
	if len(order) == 0 {
		order = make([]string, 0, len(rec.Before))
		for name := range rec.Before {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	var indeterminate []string
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		captured := rec.Before[name]
		if captured == nil {
			continue
		}
		if err := m.applier.ApplyState(ctx, *captured); err != nil {
			m.logger.Error("Restore failed during rollback",
				"checkpoint", id, "iface", name, "error", err)
			indeterminate = append(indeterminate, name)
		}
	}
	if len(indeterminate) > 0 {
		sort.Strings(indeterminate)
		e := fault.New(fault.KindOperationFailed,
			"rollback of checkpoint %d left %d interface(s) in an unknown state", id, len(indeterminate))
		e.Checkpoint = id
		e.Interfaces = indeterminate
		return e
	}

	if err := m.transition(rec, state.CheckpointRolledBack); err != nil {
		return err
	}
	m.emit(events.EventCheckpointRolledBack, rec)
	m.logger.Info("Checkpoint rolled back",
		"id", id, "plan", rec.PlanID, "interfaces", len(rec.Before))
	return nil
}

// Sweep expires pending checkpoints past their window and reclaims resolved
// records one full window after resolution. Expiry is loud but non-fatal; the
// host keeps whatever was last applied.
func (m *Manager) Sweep() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.bucket.List()
	if err != nil {
		return storeFault(0, "listing checkpoints", err)
	}
	now := clock.Now()
	for _, rec := range recs {
		switch {
		case !rec.Resolved() && now.After(rec.ExpiresAt):
			m.expire(rec)
		case rec.Resolved() && now.After(rec.ResolvedAt.Add(m.retention)):
			if err := m.bucket.Delete(rec.ID); err != nil {
				m.logger.Warn("Reclaiming checkpoint failed", "id", rec.ID, "error", err)
				continue
			}
			m.logger.Debug("Checkpoint reclaimed", "id", rec.ID, "state", rec.State)
		}
	}
	return nil
}

// RunSweeper calls Sweep on a fixed interval until the context ends. A
// non-positive interval selects one minute.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				m.logger.Warn("Checkpoint sweep failed", "error", err)
			}
		}
	}
}

// Get returns one checkpoint record by ID.
func (m *Manager) Get(id uint64) (*state.CheckpointRecord, error) {
	return m.get(id)
}

// Resolve looks a checkpoint up by numeric ID or by tag. Clients pass
// whichever they saved; tags stay valid across daemon restarts.
func (m *Manager) Resolve(ref string) (*state.CheckpointRecord, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return m.get(id)
	}
	rec, err := m.bucket.GetByTag(ref)
	if err == state.ErrNotFound {
		return nil, fault.New(fault.KindCheckpointExpired, "no checkpoint tagged %q; resolved checkpoints leave the store after the retention window", ref)
	}
	if err != nil {
		return nil, storeFault(0, "reading checkpoint", err)
	}
	return rec, nil
}

// List returns every retained checkpoint in ascending ID order.
func (m *Manager) List() ([]*state.CheckpointRecord, error) {
	recs, err := m.bucket.List()
	if err != nil {
		return nil, storeFault(0, "listing checkpoints", err)
	}
	return recs, nil
}

// Pending returns unresolved checkpoints, oldest first. The daemon checks it
// at startup to surface checkpoints a crash left behind.
func (m *Manager) Pending() ([]*state.CheckpointRecord, error) {
	recs, err := m.bucket.ListPending()
	if err != nil {
		return nil, storeFault(0, "listing checkpoints", err)
	}
	return recs, nil
}

// get fetches a record, mapping a missing ID to CheckpointExpired: an unknown
// ID was either never issued or already swept, and either way it can no
// longer be acted on.
func (m *Manager) get(id uint64) (*state.CheckpointRecord, error) {
	rec, err := m.bucket.Get(id)
	if err == state.ErrNotFound {
		e := fault.New(fault.KindCheckpointExpired, "checkpoint %d not found; resolved checkpoints leave the store after the retention window", id)
		e.Checkpoint = id
		return nil, e
	}
	if err != nil {
		return nil, storeFault(id, "reading checkpoint", err)
	}
	return rec, nil
}

// transition moves a record out of pending and persists it.
func (m *Manager) transition(rec *state.CheckpointRecord, to string) error {
	rec.State = to
	rec.ResolvedAt = clock.Now()
	if err := m.bucket.Set(rec); err != nil {
		return storeFault(rec.ID, "persisting checkpoint", err)
	}
	metrics.Get().RecordCheckpoint(to)
	return nil
}

// expire marks a pending record expired. Callers hold m.mu.
func (m *Manager) expire(rec *state.CheckpointRecord) {
	if err := m.transition(rec, state.CheckpointExpired); err != nil {
		m.logger.Error("Marking checkpoint expired failed", "id", rec.ID, "error", err)
		return
	}
	m.emit(events.EventCheckpointExpired, rec)
	m.logger.Warn("Checkpoint expired without resolution",
		"id", rec.ID, "plan", rec.PlanID, "created_at", rec.CreatedAt)
}

func (m *Manager) emit(t events.EventType, rec *state.CheckpointRecord) {
	if m.hub == nil {
		return
	}
	m.hub.EmitCheckpoint(t, rec.ID, rec.Tag, rec.PlanID, rec.State, rec.ExpiresAt)
}

func storeFault(id uint64, what string, err error) *fault.Error {
	e := fault.New(fault.KindOperationFailed, "%s: %v", what, err)
	e.Checkpoint = id
	return e
}
