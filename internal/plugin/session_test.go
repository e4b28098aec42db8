package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/schema"
)

func sessionPair(t *testing.T, callTimeout time.Duration) (*Session, *ipc.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	hello := &Hello{
		Name:         "wireguard",
		Version:      "0.3.0",
		Protocol:     ProtocolVersion,
		PID:          4242,
		Capabilities: []string{"wireguard"},
	}
	sess := NewSession(ipc.NewConn(client, 0), hello, callTimeout)
	return sess, ipc.NewConn(server, 0)
}

func TestSessionApply(t *testing.T) {
	sess, peer := sessionPair(t, time.Second)

	go func() {
		var req Request
		if err := peer.ReadMessage(&req); err != nil {
			return
		}
		result := req.Op.Desired
		result.State = schema.StateUp
		resp := OK(req.ID)
		resp.Result = &result
		_ = peer.WriteMessage(resp)
	}()

	op := &schema.Operation{
		Seq:    1,
		Kind:   schema.OpCreate,
		Iface:  "wg0",
		Type:   schema.TypeWireGuard,
		Target: "wireguard",
		Desired: schema.Interface{
			Name: "wg0",
			Type: schema.TypeWireGuard,
		},
	}
	got, err := sess.Apply(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "wg0", got.Name)
	assert.Equal(t, schema.StateUp, got.State)
}

func TestSessionQueryAndPing(t *testing.T) {
	sess, peer := sessionPair(t, time.Second)

	go func() {
		for {
			var req Request
			if err := peer.ReadMessage(&req); err != nil {
				return
			}
			resp := OK(req.ID)
			if req.Verb == VerbQuery {
				resp.Interfaces = []schema.Interface{
					{Name: "wg0", Type: schema.TypeWireGuard, State: schema.StateUp},
				}
			}
			if err := peer.WriteMessage(resp); err != nil {
				return
			}
		}
	}()

	ifaces, err := sess.Query(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "wg0", ifaces[0].Name)

	require.NoError(t, sess.Ping(context.Background()))
}

func TestSessionErrorResponse(t *testing.T) {
	sess, peer := sessionPair(t, time.Second)

	go func() {
		var req Request
		if err := peer.ReadMessage(&req); err != nil {
			return
		}
		_ = peer.WriteMessage(Fail(req.ID, fault.OperationFailed("wg0", "peer endpoint unreachable")))
	}()

	_, err := sess.Apply(context.Background(), &schema.Operation{
		Kind: schema.OpModify, Iface: "wg0", Type: schema.TypeWireGuard,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindOperationFailed}))
	// The plugin reported failure but the transport is fine.
	assert.False(t, errors.Is(err, &fault.Error{Kind: fault.KindPluginLost}))
}

// A call that times out waiting for a response must not kill the session,
// and a later response to the timed-out request must not be handed to the
// next caller.
func TestSessionTimeoutThenRecover(t *testing.T) {
	sess, peer := sessionPair(t, 100*time.Millisecond)

	go func() {
		// Swallow the first request without answering.
		var req Request
		if err := peer.ReadMessage(&req); err != nil {
			return
		}

		// Second request: answer the stale one first, then the live one.
		var req2 Request
		if err := peer.ReadMessage(&req2); err != nil {
			return
		}
		_ = peer.WriteMessage(Fail(req.ID, fault.OperationFailed("", "too late")))
		_ = peer.WriteMessage(OK(req2.ID))
	}()

	err := sess.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindPluginTimeout}))

	// Give the session generous room this time.
	sess.callTimeout = time.Second
	require.NoError(t, sess.Ping(context.Background()))
}

// The wire codec decodes nested mappings with untyped keys. The session
// must hand back string-keyed maps so snapshots and checkpoint records can
// be marshaled to json further down.
func TestSessionQueryNormalizesNestedProperties(t *testing.T) {
	sess, peer := sessionPair(t, time.Second)

	go func() {
		var req Request
		if err := peer.ReadMessage(&req); err != nil {
			return
		}
		resp := OK(req.ID)
		resp.Interfaces = []schema.Interface{{
			Name:  "wg0",
			Type:  schema.TypeWireGuard,
			State: schema.StateUp,
			Properties: map[string]any{
				"listen_port": 51820,
				"peers": []any{
					map[string]any{
						"public_key":  "dGVzdC1wZWVyLWtleQ==",
						"endpoint":    "203.0.113.9:51820",
						"allowed_ips": []any{"10.0.0.2/32"},
					},
				},
			},
		}}
		_ = peer.WriteMessage(resp)
	}()

	ifaces, err := sess.Query(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)

	peers, ok := ifaces[0].Properties["peers"].([]any)
	require.True(t, ok)
	require.Len(t, peers, 1)
	_, ok = peers[0].(map[string]any)
	require.True(t, ok, "nested peer should come back string-keyed")

	// Checkpoint records persist captured state as json.
	before := map[string]*schema.Interface{"wg0": &ifaces[0]}
	_, err = json.Marshal(before)
	require.NoError(t, err)
}

func TestSessionApplyNormalizesResultProperties(t *testing.T) {
	sess, peer := sessionPair(t, time.Second)

	go func() {
		var req Request
		if err := peer.ReadMessage(&req); err != nil {
			return
		}
		resp := OK(req.ID)
		resp.Result = &schema.Interface{
			Name: "wg0",
			Type: schema.TypeWireGuard,
			Properties: map[string]any{
				"peers": []any{map[string]any{"public_key": "dGVzdC1wZWVyLWtleQ=="}},
			},
		}
		_ = peer.WriteMessage(resp)
	}()

	got, err := sess.Apply(context.Background(), &schema.Operation{
		Kind: schema.OpModify, Iface: "wg0", Type: schema.TypeWireGuard,
	})
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = json.Marshal(got.Properties)
	require.NoError(t, err)
}

// A ping queued behind slow calls can see its deadline expire before it ever
// reaches the wire. That must read as a timeout on a live session, never as
// a lost plugin, and the session must keep serving afterwards.
func TestSessionBusyPingIsTimeoutNotLost(t *testing.T) {
	sess, peer := sessionPair(t, time.Second)

	release := make(chan struct{})
	go func() {
		for {
			var req Request
			if err := peer.ReadMessage(&req); err != nil {
				return
			}
			if req.Verb == VerbQuery {
				<-release
			}
			if err := peer.WriteMessage(OK(req.ID)); err != nil {
				return
			}
		}
	}()

	queryDone := make(chan error, 1)
	go func() {
		_, err := sess.Query(context.Background(), nil)
		queryDone <- err
	}()

	// Let the query take the session, then send a ping that cannot wait.
	time.Sleep(20 * time.Millisecond)
	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	pingDone := make(chan error, 1)
	go func() { pingDone <- sess.Ping(pctx) }()

	time.Sleep(30 * time.Millisecond)
	close(release)

	err := <-pingDone
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindPluginTimeout}))
	assert.False(t, errors.Is(err, &fault.Error{Kind: fault.KindPluginLost}))

	require.NoError(t, <-queryDone)

	// The finished query leaves evidence the supervisor can weigh against
	// a missed ping, and the session stays good for the next call.
	assert.False(t, sess.LastSuccess().IsZero())
	require.NoError(t, sess.Ping(context.Background()))
}

func TestSessionClosed(t *testing.T) {
	sess, _ := sessionPair(t, time.Second)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	err := sess.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindPluginLost}))
}

func TestSessionOwns(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	hello := &Hello{
		Name:         "dhcp",
		Capabilities: []string{"vlan", "ethernet"},
		Properties: map[string][]string{
			"ethernet": {"dhcp", "addresses"},
		},
	}
	sess := NewSession(ipc.NewConn(client, 0), hello, time.Second)

	assert.True(t, sess.Owns(schema.TypeEthernet))
	assert.True(t, sess.Owns(schema.TypeVLAN))
	assert.False(t, sess.Owns(schema.TypeWireGuard))

	// Capabilities are sorted on the way in.
	assert.Equal(t, []string{"ethernet", "vlan"}, sess.Capabilities)

	assert.True(t, sess.OwnsProperty(schema.TypeEthernet, schema.PropAddresses))
	assert.False(t, sess.OwnsProperty(schema.TypeEthernet, schema.PropMTU))
	assert.False(t, sess.OwnsProperty(schema.TypeVLAN, schema.PropAddresses))
}

func TestSessionInfo(t *testing.T) {
	sess, _ := sessionPair(t, time.Second)

	info := sess.Info("connected")
	assert.Equal(t, "wireguard", info.Name)
	assert.Equal(t, sess.ID, info.SessionID)
	assert.Equal(t, 4242, info.PID)
	assert.Equal(t, "connected", info.State)
	assert.False(t, info.ConnectedAt.IsZero())
}
