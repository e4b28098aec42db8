package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rime/internal/checkpoint"
	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/schema"
	"grimm.is/rime/internal/state"
)

// fakeProvider records every ApplyState in call order. failHook, when set,
// decides per call whether to reject; it sees forward writes and restores
// alike.
type fakeProvider struct {
	mu       sync.Mutex
	applied  []schema.Interface
	failHook func(iface schema.Interface) error
}

func (f *fakeProvider) GetState(ctx context.Context, scope []string) ([]schema.Interface, error) {
	return nil, nil
}

func (f *fakeProvider) ApplyState(ctx context.Context, iface schema.Interface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHook != nil {
		if err := f.failHook(iface); err != nil {
			return err
		}
	}
	f.applied = append(f.applied, iface)
	return nil
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.applied))
	for _, i := range f.applied {
		out = append(out, i.Name+"/"+i.State)
	}
	return out
}

// testExecutor wires an executor whose checkpoint rollbacks travel through
// the real dispatcher, exactly like the daemon's wiring.
func testExecutor(t *testing.T, prov *fakeProvider, reg *plugin.Registry) (*Executor, *state.CheckpointBucket) {
	t.Helper()
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bucket, err := state.NewCheckpointBucket(store)
	require.NoError(t, err)

	logger := logging.New(logging.DefaultConfig())
	cps := checkpoint.NewManager(bucket, NewDispatcher(prov, reg), nil, time.Hour, logger)
	return NewExecutor(prov, reg, cps, nil, logger), bucket
}

func snapOf(ifaces ...schema.Interface) schema.UnifiedSnapshot {
	snap := schema.UnifiedSnapshot{
		TakenAt:    clock.Now(),
		Interfaces: make(map[string]schema.Interface, len(ifaces)),
	}
	for _, i := range ifaces {
		snap.Interfaces[i.Name] = i
	}
	return snap
}

func kern(name string, t schema.InterfaceType, st string) schema.Interface {
	return schema.Interface{
		Name:       name,
		Type:       t,
		State:      st,
		Sources:    []schema.Source{schema.SourceKernel},
		Properties: map[string]any{},
	}
}

func provOp(seq int, kind schema.OpKind, name string, t schema.InterfaceType, desired schema.Interface, deps ...int) schema.Operation {
	return schema.Operation{
		Seq:       seq,
		Kind:      kind,
		Iface:     name,
		Type:      t,
		Target:    schema.TargetProvider,
		Desired:   desired,
		DependsOn: deps,
	}
}

// bridgePlan creates br0 and attaches the existing eth0 to it.
func bridgePlan() *schema.Plan {
	snap := snapOf(kern("eth0", schema.TypeEthernet, schema.StateUp))
	br0 := schema.Interface{Name: "br0", Type: schema.TypeBridge, State: schema.StateUp}
	eth0 := kern("eth0", schema.TypeEthernet, schema.StateUp)
	eth0.Controller = "br0"
	return &schema.Plan{
		ID:        "plan-bridge",
		CreatedAt: clock.Now(),
		Snapshot:  snap,
		Ops: []schema.Operation{
			provOp(0, schema.OpCreate, "br0", schema.TypeBridge, br0),
			provOp(1, schema.OpModify, "eth0", schema.TypeEthernet, eth0, 0),
		},
	}
}

func TestExecuteCommitsOnFullSuccess(t *testing.T) {
	prov := &fakeProvider{}
	exec, bucket := testExecutor(t, prov, plugin.NewRegistry())

	res, err := exec.Execute(context.Background(), bridgePlan(), false)
	require.NoError(t, err)

	assert.Equal(t, schema.RunCommitted, res.State)
	assert.Nil(t, res.Error)
	require.Len(t, res.Ops, 2)
	assert.Equal(t, schema.OutcomeOK, res.Ops[0].Status)
	assert.Equal(t, schema.OutcomeOK, res.Ops[1].Status)

	// Parent before child, exactly the planned order.
	assert.Equal(t, []string{"br0/up", "eth0/up"}, prov.calls())

	rec, err := bucket.Get(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointCommitted, rec.State)
}

func TestExecuteHoldKeepsCheckpointPending(t *testing.T) {
	prov := &fakeProvider{}
	exec, bucket := testExecutor(t, prov, plugin.NewRegistry())

	res, err := exec.Execute(context.Background(), bridgePlan(), true)
	require.NoError(t, err)

	assert.Equal(t, schema.RunApplied, res.State)
	rec, err := bucket.Get(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointPending, rec.State)
}

func TestExecuteEmptyPlanIsANoOp(t *testing.T) {
	prov := &fakeProvider{}
	exec, _ := testExecutor(t, prov, plugin.NewRegistry())

	res, err := exec.Execute(context.Background(), &schema.Plan{ID: "noop"}, false)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCommitted, res.State)
	assert.Zero(t, res.Checkpoint)
	assert.Empty(t, prov.calls())
}

func TestExecuteRollsBackOnOperationFailure(t *testing.T) {
	prov := &fakeProvider{}
	failed := false
	prov.failHook = func(iface schema.Interface) error {
		// Reject eth0's forward write once; the restore must go through.
		if iface.Name == "eth0" && !failed {
			failed = true
			return fault.OperationFailed("eth0", "device busy")
		}
		return nil
	}
	exec, bucket := testExecutor(t, prov, plugin.NewRegistry())

	res, err := exec.Execute(context.Background(), bridgePlan(), false)
	require.NoError(t, err)

	assert.Equal(t, schema.RunRolledBack, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.KindOperationFailed, res.Error.Kind)
	require.Len(t, res.Ops, 2)
	assert.Equal(t, schema.OutcomeOK, res.Ops[0].Status)
	assert.Equal(t, schema.OutcomeFailed, res.Ops[1].Status)
	assert.Equal(t, []string{"br0", "eth0"}, res.Reversed)
	assert.Empty(t, res.Indeterminate)

	// Forward create, then the compensating restores in reverse order:
	// eth0 back to its captured state, br0 deleted (it did not exist).
	assert.Equal(t, []string{"br0/up", "eth0/up", "br0/absent"}, prov.calls())

	rec, err := bucket.Get(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointRolledBack, rec.State)
}

func TestExecuteSkipsUnstartedOperationsAfterFailure(t *testing.T) {
	prov := &fakeProvider{}
	prov.failHook = func(iface schema.Interface) error {
		if iface.Name == "br0" && iface.State == schema.StateUp {
			return fault.OperationFailed("br0", "bridge module missing")
		}
		return nil
	}
	exec, _ := testExecutor(t, prov, plugin.NewRegistry())

	res, err := exec.Execute(context.Background(), bridgePlan(), false)
	require.NoError(t, err)

	assert.Equal(t, schema.RunRolledBack, res.State)
	require.Len(t, res.Ops, 2)
	assert.Equal(t, schema.OutcomeFailed, res.Ops[0].Status)
	assert.Equal(t, schema.OutcomeSkipped, res.Ops[1].Status)
}

func TestExecuteFailsPluginLostWhenSessionGone(t *testing.T) {
	prov := &fakeProvider{}
	exec, _ := testExecutor(t, prov, plugin.NewRegistry())

	snap := snapOf(kern("eth0", schema.TypeEthernet, schema.StateUp))
	eth0 := kern("eth0", schema.TypeEthernet, schema.StateUp)
	eth0.Properties[schema.PropDHCP] = true
	pl := &schema.Plan{
		ID:       "plan-dhcp",
		Snapshot: snap,
		Ops: []schema.Operation{
			{Seq: 0, Kind: schema.OpModify, Iface: "eth0", Type: schema.TypeEthernet,
				Target: "dhcp", Desired: eth0},
		},
	}

	res, err := exec.Execute(context.Background(), pl, false)
	require.NoError(t, err)

	assert.Equal(t, schema.RunRolledBack, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.KindPluginLost, res.Error.Kind)
	assert.Equal(t, "dhcp", res.Error.Plugin)
	assert.Equal(t, []string{"eth0"}, res.Reversed)
	// The op never started anything, but the full capture set is replayed;
	// eth0 ends in its pre-apply state either way.
	assert.Equal(t, []string{"eth0/up"}, prov.calls())
}

func TestExecuteReportsIndeterminateOnRollbackFailure(t *testing.T) {
	prov := &fakeProvider{}
	failedForward := false
	prov.failHook = func(iface schema.Interface) error {
		if iface.Name == "eth0" && !failedForward {
			failedForward = true
			return fault.OperationFailed("eth0", "device busy")
		}
		// The compensating delete of br0 fails too.
		if iface.Name == "br0" && iface.State == schema.StateAbsent {
			return fault.OperationFailed("br0", "device busy")
		}
		return nil
	}
	exec, bucket := testExecutor(t, prov, plugin.NewRegistry())

	res, err := exec.Execute(context.Background(), bridgePlan(), false)
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, res.State)
	assert.Equal(t, []string{"br0"}, res.Indeterminate)
	assert.Equal(t, []string{"eth0"}, res.Reversed)

	// A failed rollback leaves the checkpoint pending for a retry.
	rec, err := bucket.Get(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointPending, rec.State)
}

// liveSession registers a pipe-backed session whose peer applies everything
// and records the interfaces it was asked about.
func liveSession(t *testing.T, reg *plugin.Registry, name string, caps []string, props map[string][]string) *[]string {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	sess := plugin.NewSession(ipc.NewConn(client, 0), &plugin.Hello{
		Name:         name,
		Protocol:     plugin.ProtocolVersion,
		Capabilities: caps,
		Properties:   props,
	}, time.Second)
	require.NoError(t, reg.Add(sess))

	var mu sync.Mutex
	seen := &[]string{}
	peer := ipc.NewConn(server, 0)
	go func() {
		for {
			var req plugin.Request
			if err := peer.ReadMessage(&req); err != nil {
				return
			}
			resp := plugin.OK(req.ID)
			if req.Verb == plugin.VerbApply && req.Op != nil {
				mu.Lock()
				*seen = append(*seen, req.Op.Iface)
				mu.Unlock()
				result := req.Op.Desired
				resp.Result = &result
			}
			if err := peer.WriteMessage(resp); err != nil {
				return
			}
		}
	}()
	return seen
}

func TestExecuteNotifiesPropertyOwners(t *testing.T) {
	prov := &fakeProvider{}
	reg := plugin.NewRegistry()
	seen := liveSession(t, reg, "dhcp", nil, map[string][]string{"ethernet": {schema.PropDHCP}})
	exec, _ := testExecutor(t, prov, reg)

	snap := snapOf(kern("eth0", schema.TypeEthernet, schema.StateDown))
	eth0 := kern("eth0", schema.TypeEthernet, schema.StateUp)
	eth0.Properties[schema.PropDHCP] = true
	pl := &schema.Plan{
		ID:       "plan-up-dhcp",
		Snapshot: snap,
		Ops: []schema.Operation{
			{Seq: 0, Kind: schema.OpModify, Iface: "eth0", Type: schema.TypeEthernet,
				Target: schema.TargetProvider, Desired: eth0, Notify: []string{"dhcp"}},
		},
	}

	res, err := exec.Execute(context.Background(), pl, false)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCommitted, res.State)

	// The provider brought the link up, then the dhcp plugin saw the op.
	assert.Equal(t, []string{"eth0/up"}, prov.calls())
	assert.Equal(t, []string{"eth0"}, *seen)
}

func TestExecuteRoutesPluginOwnedOperations(t *testing.T) {
	prov := &fakeProvider{}
	reg := plugin.NewRegistry()
	seen := liveSession(t, reg, "wireguard", []string{"wireguard"}, nil)
	exec, _ := testExecutor(t, prov, reg)

	wg0 := schema.Interface{Name: "wg0", Type: schema.TypeWireGuard, State: schema.StateUp}
	pl := &schema.Plan{
		ID:       "plan-wg",
		Snapshot: snapOf(),
		Ops: []schema.Operation{
			{Seq: 0, Kind: schema.OpCreate, Iface: "wg0", Type: schema.TypeWireGuard,
				Target: "wireguard", Desired: wg0},
		},
	}

	res, err := exec.Execute(context.Background(), pl, false)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCommitted, res.State)
	assert.Empty(t, prov.calls())
	assert.Equal(t, []string{"wg0"}, *seen)
}
