package plugin

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/schema"
)

// Session is one live plugin connection. Calls are serialized: the protocol
// has no interleaving, so a second caller waits for the first to finish.
type Session struct {
	Name         string
	ID           string
	PID          int
	Version      string
	Capabilities []string
	Properties   map[string][]string
	ConnectedAt  time.Time

	conn        *ipc.Conn
	callTimeout time.Duration

	mu     sync.Mutex
	closed bool
	lastOK atomic.Int64 // unix nanos of the last completed call
}

// NewSession wraps an accepted, already-registered plugin connection.
func NewSession(conn *ipc.Conn, hello *Hello, callTimeout time.Duration) *Session {
	caps := append([]string(nil), hello.Capabilities...)
	sort.Strings(caps)
	props := make(map[string][]string, len(hello.Properties))
	for t, names := range hello.Properties {
		props[t] = append([]string(nil), names...)
	}
	return &Session{
		Name:         hello.Name,
		ID:           uuid.NewString(),
		PID:          hello.PID,
		Version:      hello.Version,
		Capabilities: caps,
		Properties:   props,
		ConnectedAt:  clock.Now(),
		conn:         conn,
		callTimeout:  callTimeout,
	}
}

// Owns reports whether the plugin declared this interface type.
func (s *Session) Owns(t schema.InterfaceType) bool {
	for _, c := range s.Capabilities {
		if c == string(t) {
			return true
		}
	}
	return false
}

// OwnsProperty reports whether the plugin declared authority over a property
// on interfaces of the given type.
func (s *Session) OwnsProperty(t schema.InterfaceType, prop string) bool {
	for _, name := range s.Properties[string(t)] {
		if name == prop {
			return true
		}
	}
	return false
}

// Call sends one request and waits for its response. The deadline comes from
// ctx when set, otherwise the session's call timeout applies. A deadline miss
// maps to a plugin-timeout fault; any transport failure maps to plugin-lost.
func (s *Session) Call(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fault.PluginLost(s.Name, "session closed")
	}

	// The lock wait above can outlive the caller's deadline when earlier
	// calls are holding the session. Bail before touching the connection so
	// the miss reads as a timeout, not a dead plugin.
	if ctx.Err() != nil {
		return nil, fault.PluginTimeout(s.Name, "%s deadline exceeded waiting for the session", req.Verb)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	deadline := clock.Now().Add(s.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, fault.PluginLost(s.Name, "set deadline: %v", err)
	}

	if err := s.conn.WriteMessage(req); err != nil {
		return nil, s.callError("write", req.Verb, err)
	}

	// A previous call may have timed out with its answer still in flight.
	// Skip stale responses until ours shows up.
	for {
		var resp Response
		if err := s.conn.ReadMessage(&resp); err != nil {
			return nil, s.callError("read", req.Verb, err)
		}
		if resp.ID == req.ID {
			s.lastOK.Store(clock.Now().UnixNano())
			return &resp, nil
		}
	}
}

// Query asks the plugin for every interface it owns. Nested property values
// come off the wire with untyped keys; they are normalized here so snapshots
// and checkpoint records marshal cleanly downstream.
func (s *Session) Query(ctx context.Context, scope []string) ([]schema.Interface, error) {
	resp, err := s.Call(ctx, &Request{Verb: VerbQuery, Scope: scope})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	ifaces := resp.Interfaces
	for i := range ifaces {
		ifaces[i].Properties = schema.NormalizeMap(ifaces[i].Properties)
	}
	return ifaces, nil
}

// Apply asks the plugin to execute one operation and returns the resulting
// interface state (nil after a delete).
func (s *Session) Apply(ctx context.Context, op *schema.Operation) (*schema.Interface, error) {
	resp, err := s.Call(ctx, &Request{Verb: VerbApply, Op: op})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result != nil {
		resp.Result.Properties = schema.NormalizeMap(resp.Result.Properties)
	}
	return resp.Result, nil
}

// Validate asks the plugin to vet an operation's properties without
// executing it. Plugins that cannot validate answer ok.
func (s *Session) Validate(ctx context.Context, op *schema.Operation) error {
	resp, err := s.Call(ctx, &Request{Verb: VerbValidate, Op: op})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// LastSuccess reports when the session last completed a call, or the zero
// time if none has finished yet. The supervisor uses it to tell a busy
// plugin from a dead one.
func (s *Session) LastSuccess() time.Time {
	ns := s.lastOK.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Ping checks liveness.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.Call(ctx, &Request{Verb: VerbPing})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Close tears down the connection. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Info renders the session for the plugins IPC verb.
func (s *Session) Info(state string) ipc.PluginInfo {
	return ipc.PluginInfo{
		Name:         s.Name,
		SessionID:    s.ID,
		PID:          s.PID,
		Capabilities: append([]string(nil), s.Capabilities...),
		ConnectedAt:  s.ConnectedAt,
		State:        state,
	}
}

// callError classifies a transport error. Deadline misses are timeouts; the
// session stays open so a later call can try again. Everything else means
// the plugin is gone.
func (s *Session) callError(stage string, verb Verb, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fault.PluginTimeout(s.Name, "%s deadline exceeded on %s", verb, stage)
	}
	s.closed = true
	return fault.PluginLost(s.Name, "%s failed on %s: %v", verb, stage, err)
}
