package plugin

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/schema"
)

// Handler is what a plugin binary implements. Query reports every interface
// the plugin currently manages; Apply executes one operation and returns the
// resulting interface state (nil for deletes).
type Handler interface {
	Query(ctx context.Context) ([]schema.Interface, error)
	Apply(ctx context.Context, op *schema.Operation) (*schema.Interface, error)
}

// Validator is implemented by handlers that can check an operation's
// properties without executing it. The daemon runs validation before
// planning; handlers without it accept everything at that stage.
type Validator interface {
	Validate(ctx context.Context, op *schema.Operation) error
}

// ServeConfig identifies the plugin during the handshake.
type ServeConfig struct {
	Name         string
	Version      string
	Capabilities []string

	// Properties declares per-type property authority, keyed by interface
	// type. Optional; plugins that own whole interface types can leave it
	// empty.
	Properties map[string][]string
}

// Serve dials the daemon's session socket, performs the handshake, and
// dispatches requests to h until the connection drops or ctx is cancelled.
// Plugin binaries call this from main with the socket path the daemon passed
// as their single argument.
func Serve(ctx context.Context, socketPath string, cfg ServeConfig, h Handler) error {
	conn, err := dial(socketPath)
	if err != nil {
		return err
	}
	c := ipc.NewConn(conn, 0)
	defer c.Close()

	hello := &Hello{
		Name:         cfg.Name,
		Version:      cfg.Version,
		Protocol:     ProtocolVersion,
		PID:          os.Getpid(),
		Capabilities: cfg.Capabilities,
		Properties:   cfg.Properties,
	}
	if err := c.WriteMessage(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var ack HelloAck
	if err := c.ReadMessage(&ack); err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	if ack.Error != nil {
		return fmt.Errorf("daemon rejected handshake: %w", ack.Error)
	}

	// Unblock the read loop when the plugin is told to stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		var req Request
		if err := c.ReadMessage(&req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := dispatch(ctx, h, &req)
		if err := c.WriteMessage(resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func dispatch(ctx context.Context, h Handler, req *Request) *Response {
	switch req.Verb {
	case VerbPing:
		return OK(req.ID)

	case VerbQuery:
		ifaces, err := h.Query(ctx)
		if err != nil {
			return Fail(req.ID, err)
		}
		resp := OK(req.ID)
		resp.Interfaces = ifaces
		return resp

	case VerbApply:
		if req.Op == nil {
			return Fail(req.ID, fmt.Errorf("apply request carries no operation"))
		}
		result, err := h.Apply(ctx, req.Op)
		if err != nil {
			return Fail(req.ID, err)
		}
		resp := OK(req.ID)
		resp.Result = result
		return resp

	case VerbValidate:
		if req.Op == nil {
			return Fail(req.ID, fmt.Errorf("validate request carries no operation"))
		}
		if v, ok := h.(Validator); ok {
			if err := v.Validate(ctx, req.Op); err != nil {
				return Fail(req.ID, err)
			}
		}
		return OK(req.ID)

	default:
		return Fail(req.ID, fmt.Errorf("unknown verb %q", req.Verb))
	}
}

// dial connects to the session socket. The daemon listens before it spawns
// the plugin, so failures here mean a dead daemon, but a short retry keeps
// startup robust on loaded systems.
func dial(socketPath string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial %s: %w", socketPath, lastErr)
}
