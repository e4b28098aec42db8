// Package client talks to a running daemon over its control socket. The CLI
// commands are thin wrappers around this.
package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"grimm.is/rime/internal/brand"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/schema"
)

// Client issues one request at a time over a single connection. It is not
// safe for concurrent use; open one per goroutine.
type Client struct {
	conn *ipc.Conn
}

// Options tunes the connection.
type Options struct {
	// SocketPath overrides the default control socket location.
	SocketPath string

	// DialTimeout bounds the connect. Zero means 5 seconds.
	DialTimeout time.Duration
}

// Dial connects to the daemon's control socket.
func Dial(opts Options) (*Client, error) {
	path := opts.SocketPath
	if path == "" {
		path = brand.GetSocketPath()
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	nc, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s (is the daemon running?): %w", path, err)
	}
	return &Client{conn: ipc.NewConn(nc, 0)}, nil
}

// Close hangs up.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *ipc.Request) (*ipc.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := c.conn.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	resp, err := c.conn.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// Query fetches the unified snapshot, optionally narrowed to named
// interfaces.
func (c *Client) Query(scope ...string) (*schema.UnifiedSnapshot, error) {
	resp, err := c.roundTrip(&ipc.Request{Verb: ipc.VerbQuery, Scope: scope})
	if err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// ApplyOptions tunes an apply request.
type ApplyOptions struct {
	// DryRun stops after planning.
	DryRun bool

	// ConfirmSeconds: 0 takes the daemon's default, > 0 overrides it,
	// < 0 commits immediately.
	ConfirmSeconds int

	// TimeoutSeconds overrides the daemon's request deadline.
	TimeoutSeconds int
}

// Apply submits a desired-state document. On success the executed plan and
// its result come back; with DryRun the result is nil. On a planning or
// execution failure the plan is still returned when the daemon got that far.
func (c *Client) Apply(desired *schema.DesiredState, opts ApplyOptions) (*schema.Plan, *schema.RunResult, error) {
	resp, err := c.roundTrip(&ipc.Request{
		Verb:           ipc.VerbApply,
		Desired:        desired,
		DryRun:         opts.DryRun,
		ConfirmSeconds: opts.ConfirmSeconds,
		TimeoutSeconds: opts.TimeoutSeconds,
	})
	if err != nil {
		if resp != nil {
			return resp.Plan, resp.Result, err
		}
		return nil, nil, err
	}
	return resp.Plan, resp.Result, nil
}

// Commit finalizes a pending checkpoint. ref is a numeric ID or a tag.
func (c *Client) Commit(ref string) (*ipc.CheckpointInfo, error) {
	resp, err := c.roundTrip(checkpointRequest(ipc.VerbCommit, ref))
	if err != nil {
		return nil, err
	}
	return resp.Checkpoint, nil
}

// Rollback replays a pending checkpoint's captured state. ref is a numeric
// ID or a tag.
func (c *Client) Rollback(ref string) (*ipc.CheckpointInfo, error) {
	resp, err := c.roundTrip(checkpointRequest(ipc.VerbRollback, ref))
	if err != nil {
		return nil, err
	}
	return resp.Checkpoint, nil
}

// Checkpoints lists retained checkpoints.
func (c *Client) Checkpoints() ([]ipc.CheckpointInfo, error) {
	resp, err := c.roundTrip(&ipc.Request{Verb: ipc.VerbCheckpoints})
	if err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Plugins lists connected plugin sessions.
func (c *Client) Plugins() ([]ipc.PluginInfo, error) {
	resp, err := c.roundTrip(&ipc.Request{Verb: ipc.VerbPlugins})
	if err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

// Status reports the daemon's own state.
func (c *Client) Status() (*ipc.DaemonStatus, error) {
	resp, err := c.roundTrip(&ipc.Request{Verb: ipc.VerbStatus})
	if err != nil {
		return nil, err
	}
	return resp.Daemon, nil
}

// Subscribe switches the connection into event streaming. After it returns,
// the connection carries only events; use Next to read them and Close to
// stop. types narrows the stream, empty means everything.
func (c *Client) Subscribe(types ...string) error {
	_, err := c.roundTrip(&ipc.Request{Verb: ipc.VerbSubscribe, EventTypes: types})
	return err
}

// Next reads one streamed event. Only valid after Subscribe.
func (c *Client) Next() (*ipc.Event, error) {
	return c.conn.ReadEvent()
}

// checkpointRequest maps a user-supplied ref onto the wire fields: numbers
// address by ID, everything else by tag.
func checkpointRequest(verb ipc.Verb, ref string) *ipc.Request {
	req := &ipc.Request{Verb: verb}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		req.Checkpoint = id
	} else {
		req.Tag = ref
	}
	return req
}
