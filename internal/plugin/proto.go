// Package plugin runs and talks to backend plugins: child processes that own
// interface types the kernel provider does not (wireguard tunnels, dhcp
// address acquisition, dns registration).
//
// The daemon spawns each plugin with its session socket path as the single
// argument. The plugin dials back, introduces itself with a hello frame, and
// then answers query/apply/ping requests until either side hangs up. Frames
// use the same length-prefixed YAML codec as the control socket.
package plugin

import (
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/schema"
)

// ProtocolVersion is bumped when the message shapes change incompatibly.
// The daemon rejects plugins speaking a different version.
const ProtocolVersion = 1

// Verb names a request the daemon sends to a plugin.
type Verb string

const (
	VerbQuery    Verb = "query"
	VerbApply    Verb = "apply"
	VerbValidate Verb = "validate"
	VerbPing     Verb = "ping"
)

// Hello is the first frame on a plugin socket, plugin to daemon.
type Hello struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version,omitempty"`
	Protocol int    `yaml:"protocol"`
	PID      int    `yaml:"pid"`

	// Capabilities lists the interface types this plugin owns. Operations on
	// these types route here instead of the kernel provider.
	Capabilities []string `yaml:"capabilities"`

	// Properties maps an owned interface type to the property names the
	// plugin is authoritative for on interfaces of that type. The merger
	// prefers the plugin's value for these keys when kernel and plugin
	// both report the interface.
	Properties map[string][]string `yaml:"properties,omitempty"`
}

// HelloAck answers a hello. A populated Error means the registration was
// rejected and the connection is about to close.
type HelloAck struct {
	SessionID string       `yaml:"session_id,omitempty"`
	Error     *fault.Error `yaml:"error,omitempty"`

	// PingIntervalSeconds tells the plugin how often to expect keepalives.
	PingIntervalSeconds int `yaml:"ping_interval,omitempty"`
}

// Request is one daemon-to-plugin call.
type Request struct {
	ID   string `yaml:"id"`
	Verb Verb   `yaml:"verb"`

	// Op carries the operation for apply and validate.
	Op *schema.Operation `yaml:"op,omitempty"`

	// Scope restricts a query to named interfaces. Empty means everything
	// the plugin owns.
	Scope []string `yaml:"scope,omitempty"`
}

// Response answers one request, matched by ID.
type Response struct {
	ID     string       `yaml:"id"`
	Status string       `yaml:"status"`
	Error  *fault.Error `yaml:"error,omitempty"`

	// Interfaces is the query result: every interface the plugin owns, with
	// OwnerPlugin set by the daemon on merge.
	Interfaces []schema.Interface `yaml:"interfaces,omitempty"`

	// Result is the interface state after a successful apply.
	Result *schema.Interface `yaml:"result,omitempty"`
}

// Response status values, shared with the control protocol.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OK builds a success response for a request ID.
func OK(id string) *Response {
	return &Response{ID: id, Status: StatusOK}
}

// Fail builds an error response.
func Fail(id string, err error) *Response {
	return &Response{ID: id, Status: StatusError, Error: fault.From(err)}
}
