package client

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/schema"
)

// fakeDaemon answers every request on a throwaway unix socket with handle
// and records what it saw.
type fakeDaemon struct {
	mu   sync.Mutex
	reqs []*ipc.Request
}

func startFakeDaemon(t *testing.T, handle func(req *ipc.Request) *ipc.Response) (*fakeDaemon, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fd := &fakeDaemon{}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn := ipc.NewConn(nc, 0)
				for {
					req, err := conn.ReadRequest()
					if err != nil {
						nc.Close()
						return
					}
					fd.mu.Lock()
					fd.reqs = append(fd.reqs, req)
					fd.mu.Unlock()
					if err := conn.WriteResponse(handle(req)); err != nil {
						nc.Close()
						return
					}
				}
			}()
		}
	}()
	return fd, path
}

func (f *fakeDaemon) last() *ipc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

func dialTest(t *testing.T, path string) *Client {
	t.Helper()
	c, err := Dial(Options{SocketPath: path, DialTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestQueryRoundTrip(t *testing.T) {
	fd, path := startFakeDaemon(t, func(req *ipc.Request) *ipc.Response {
		resp := ipc.OK(req.ID)
		resp.Snapshot = &schema.UnifiedSnapshot{
			Interfaces: map[string]schema.Interface{
				"eth0": {Name: "eth0", Type: schema.TypeEthernet, State: schema.StateUp},
			},
		}
		return resp
	})
	c := dialTest(t, path)

	snap, err := c.Query("eth0")
	require.NoError(t, err)
	require.Contains(t, snap.Interfaces, "eth0")
	assert.Equal(t, schema.StateUp, snap.Interfaces["eth0"].State)

	req := fd.last()
	assert.Equal(t, ipc.VerbQuery, req.Verb)
	assert.Equal(t, []string{"eth0"}, req.Scope)
	assert.NotEmpty(t, req.ID)
}

func TestApplyCarriesOptions(t *testing.T) {
	fd, path := startFakeDaemon(t, func(req *ipc.Request) *ipc.Response {
		resp := ipc.OK(req.ID)
		resp.Plan = &schema.Plan{ID: "p1"}
		resp.Result = &schema.RunResult{PlanID: "p1", State: schema.RunCommitted}
		return resp
	})
	c := dialTest(t, path)

	desired := &schema.DesiredState{Interfaces: []schema.Interface{
		{Name: "br0", Type: schema.TypeBridge, State: schema.StateUp},
	}}
	pl, res, err := c.Apply(desired, ApplyOptions{ConfirmSeconds: 30, TimeoutSeconds: 120})
	require.NoError(t, err)
	assert.Equal(t, "p1", pl.ID)
	assert.Equal(t, schema.RunCommitted, res.State)

	req := fd.last()
	assert.Equal(t, ipc.VerbApply, req.Verb)
	assert.Equal(t, 30, req.ConfirmSeconds)
	assert.Equal(t, 120, req.TimeoutSeconds)
	require.NotNil(t, req.Desired)
	assert.Equal(t, "br0", req.Desired.Interfaces[0].Name)
}

func TestApplyErrorStillReturnsPlan(t *testing.T) {
	_, path := startFakeDaemon(t, func(req *ipc.Request) *ipc.Response {
		resp := ipc.Fail(req.ID, fault.OperationFailed("br0", "device busy"))
		resp.Plan = &schema.Plan{ID: "p1"}
		return resp
	})
	c := dialTest(t, path)

	pl, _, err := c.Apply(&schema.DesiredState{}, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindOperationFailed))
	require.NotNil(t, pl)
	assert.Equal(t, "p1", pl.ID)
}

func TestCheckpointRefMapping(t *testing.T) {
	fd, path := startFakeDaemon(t, func(req *ipc.Request) *ipc.Response {
		resp := ipc.OK(req.ID)
		resp.Checkpoint = &ipc.CheckpointInfo{ID: 7, State: "committed"}
		return resp
	})
	c := dialTest(t, path)

	_, err := c.Commit("7")
	require.NoError(t, err)
	req := fd.last()
	assert.Equal(t, uint64(7), req.Checkpoint)
	assert.Empty(t, req.Tag)

	_, err = c.Rollback("dd9cb33a-8772-4b6e-9481-2f83cdbc8b0f")
	require.NoError(t, err)
	req = fd.last()
	assert.Equal(t, ipc.VerbRollback, req.Verb)
	assert.Zero(t, req.Checkpoint)
	assert.Equal(t, "dd9cb33a-8772-4b6e-9481-2f83cdbc8b0f", req.Tag)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := ipc.NewConn(nc, 0)
		req, err := conn.ReadRequest()
		if err != nil {
			return
		}
		conn.WriteResponse(ipc.OK(req.ID))
		conn.WriteEvent(&ipc.Event{Type: "checkpoint.created", Source: "checkpoint"})
		conn.WriteEvent(&ipc.Event{Type: "checkpoint.committed", Source: "checkpoint"})
	}()

	c := dialTest(t, path)
	require.NoError(t, c.Subscribe("checkpoint.created", "checkpoint.committed"))

	e, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "checkpoint.created", e.Type)
	e, err = c.Next()
	require.NoError(t, err)
	assert.Equal(t, "checkpoint.committed", e.Type)
}

func TestDialFailsWithoutDaemon(t *testing.T) {
	_, err := Dial(Options{SocketPath: filepath.Join(t.TempDir(), "absent.sock"), DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is the daemon running")
}
