// Package fault defines the error taxonomy that crosses the IPC boundary.
// Every failure a client or plugin can observe is one of these kinds; internal
// errors are wrapped with %w as usual and converted at the protocol edge.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a protocol-visible failure.
type Kind string

const (
	// KindBackendUnavailable means the kernel state provider could not be
	// reached or returned an invalid snapshot.
	KindBackendUnavailable Kind = "backend-unavailable"

	// KindPluginTimeout means a plugin did not answer within its deadline.
	KindPluginTimeout Kind = "plugin-timeout"

	// KindPluginLost means a plugin disconnected or crashed while an
	// operation was waiting on it.
	KindPluginLost Kind = "plugin-lost"

	// KindDependencyCycle means the desired state contains interfaces whose
	// dependencies form a cycle and no valid ordering exists.
	KindDependencyCycle Kind = "dependency-cycle"

	// KindUnknownInterfaceType means no provider or registered plugin owns
	// the interface type named by the desired state.
	KindUnknownInterfaceType Kind = "unknown-interface-type"

	// KindCheckpointExpired means the referenced checkpoint passed its
	// retention window and can no longer be committed or rolled back.
	KindCheckpointExpired Kind = "checkpoint-expired"

	// KindRequestTimeout means the request waited in queue or on locks past
	// its deadline and was abandoned before any work started.
	KindRequestTimeout Kind = "request-timeout"

	// KindConfigurationConflict means two authorities disagree about the
	// same property, or merging desired documents hit a duplicate key.
	KindConfigurationConflict Kind = "configuration-conflict"

	// KindOperationFailed means a plugin or the provider reported failure
	// applying an operation.
	KindOperationFailed Kind = "operation-failed"
)

// Error is the wire-visible failure. It marshals to YAML as part of IPC
// responses and plugin replies, so field names are part of the protocol.
type Error struct {
	Kind       Kind     `yaml:"kind" json:"kind"`
	Message    string   `yaml:"message" json:"message"`
	Interfaces []string `yaml:"interfaces,omitempty" json:"interfaces,omitempty"`
	Plugin     string   `yaml:"plugin,omitempty" json:"plugin,omitempty"`
	Checkpoint uint64   `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`

	// Transient marks failures the caller may retry. Set by plugins in
	// their replies; the engine itself never retries.
	Transient bool `yaml:"transient,omitempty" json:"transient,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Plugin != "" {
		fmt.Fprintf(&b, " (plugin %s)", e.Plugin)
	}
	if len(e.Interfaces) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Interfaces, ", "))
	}
	return b.String()
}

// Is lets errors.Is match against a bare kind sentinel, e.g.
// errors.Is(err, &Error{Kind: KindPluginLost}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BackendUnavailable reports an unreachable or broken state provider.
func BackendUnavailable(format string, args ...any) *Error {
	return New(KindBackendUnavailable, format, args...)
}

// PluginTimeout reports a plugin missing its deadline.
func PluginTimeout(plugin string, format string, args ...any) *Error {
	e := New(KindPluginTimeout, format, args...)
	e.Plugin = plugin
	return e
}

// PluginLost reports a plugin that died or disconnected mid-request.
func PluginLost(plugin string, format string, args ...any) *Error {
	e := New(KindPluginLost, format, args...)
	e.Plugin = plugin
	return e
}

// DependencyCycle reports an unresolvable ordering. members lists every
// interface participating in the cycle.
func DependencyCycle(members []string) *Error {
	e := New(KindDependencyCycle, "interfaces depend on each other: %s", strings.Join(members, " -> "))
	e.Interfaces = members
	return e
}

// UnknownInterfaceType reports a type nothing registered claims to own.
func UnknownInterfaceType(iface, ifaceType string) *Error {
	e := New(KindUnknownInterfaceType, "no backend owns type %q required by %s", ifaceType, iface)
	e.Interfaces = []string{iface}
	return e
}

// CheckpointExpired reports an attempt to use a checkpoint past retention.
func CheckpointExpired(id uint64) *Error {
	e := New(KindCheckpointExpired, "checkpoint %d passed its retention window", id)
	e.Checkpoint = id
	return e
}

// RequestTimeout reports a request abandoned before execution started.
func RequestTimeout(format string, args ...any) *Error {
	return New(KindRequestTimeout, format, args...)
}

// ConfigurationConflict reports disagreeing authorities or a merge clash.
func ConfigurationConflict(format string, args ...any) *Error {
	return New(KindConfigurationConflict, format, args...)
}

// OperationFailed reports an apply that a backend rejected or botched.
func OperationFailed(iface string, format string, args ...any) *Error {
	e := New(KindOperationFailed, format, args...)
	e.Interfaces = []string{iface}
	return e
}

// KindOf extracts the taxonomy kind from any error chain. Errors outside the
// taxonomy map to KindOperationFailed, the catch-all the lineage uses for
// bugs and unclassified failures.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindOperationFailed
}

// IsKind reports whether err's chain contains a taxonomy error of kind k.
func IsKind(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}

// From converts an arbitrary error into a protocol Error, preserving an
// existing taxonomy error if one is in the chain.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindOperationFailed, Message: err.Error()}
}
