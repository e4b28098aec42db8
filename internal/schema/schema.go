// Package schema defines the wire and in-memory data model shared by the
// daemon, its plugins, and clients: interface descriptions, snapshots,
// desired-state documents, and plans.
//
// Documents are YAML on the wire. The core interprets only identity, type,
// state, and the dependency fields (controller, parent); everything else
// rides in Properties and is owned by whichever backend declared it.
package schema

import (
	"fmt"
	"sort"
	"time"

	"grimm.is/rime/internal/fault"
)

// InterfaceType names a link technology. The set is open: plugins may
// register types the core has never heard of.
type InterfaceType string

const (
	TypeEthernet  InterfaceType = "ethernet"
	TypeLoopback  InterfaceType = "loopback"
	TypeBond      InterfaceType = "bond"
	TypeBridge    InterfaceType = "bridge"
	TypeVLAN      InterfaceType = "vlan"
	TypeDummy     InterfaceType = "dummy"
	TypeVeth      InterfaceType = "veth"
	TypeWireGuard InterfaceType = "wireguard"
	TypeUnknown   InterfaceType = "unknown"
)

// Interface states. Snapshots report up/down; desired documents may also
// use absent to request deletion.
const (
	StateUp     = "up"
	StateDown   = "down"
	StateAbsent = "absent"
)

// ControllerNone in a desired entry requests a detach from the current
// controller. An empty Controller field in a desired entry means leave
// alone; in a full target it means detached.
const ControllerNone = "none"

// Source tags where a merged interface's data came from.
type Source string

const (
	SourceKernel Source = "kernel"
	SourcePlugin Source = "plugin"
	SourceMerged Source = "merged"
)

// Well-known property keys the core or standard plugins care about.
// Anything else in Properties is opaque to the core.
const (
	PropDHCP      = "dhcp"
	PropAddresses = "addresses"
	PropMTU       = "mtu"
	PropMAC       = "mac-address"
)

// Interface describes one network interface, either observed (snapshot) or
// wanted (desired state). In desired documents most fields are optional;
// absent fields mean "leave alone".
type Interface struct {
	Name  string        `yaml:"name" json:"name"`
	Index int           `yaml:"index,omitempty" json:"index,omitempty"`
	Type  InterfaceType `yaml:"type,omitempty" json:"type,omitempty"`
	State string        `yaml:"state,omitempty" json:"state,omitempty"`

	// Controller names the bridge or bond this interface is enslaved to.
	Controller string `yaml:"controller,omitempty" json:"controller,omitempty"`
	// Parent names the lower link a vlan (or similar stacked type) rides on.
	Parent string `yaml:"parent,omitempty" json:"parent,omitempty"`

	// OwnerPlugin is set on snapshot entries for plugin-owned interfaces.
	OwnerPlugin string `yaml:"owner,omitempty" json:"owner,omitempty"`
	// Sources records which authorities contributed to a merged entry.
	Sources []Source `yaml:"sources,omitempty" json:"sources,omitempty"`

	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// DHCP reports whether the interface wants dynamic address acquisition.
func (i *Interface) DHCP() bool {
	v, ok := i.Properties[PropDHCP]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// DependsOnName returns the interface this one structurally depends on
// (controller or parent), or "" when it stands alone.
func (i *Interface) DependsOnName() string {
	if i.Controller != "" {
		return i.Controller
	}
	return i.Parent
}

// Clone returns a deep copy. Snapshots hand interfaces to plugins and the
// planner concurrently, so shared mutable maps are not allowed.
func (i *Interface) Clone() Interface {
	out := *i
	if i.Sources != nil {
		out.Sources = append([]Source(nil), i.Sources...)
	}
	if i.Properties != nil {
		out.Properties = cloneValue(i.Properties).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(tv))
		for k, vv := range tv {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(tv))
		for i, vv := range tv {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return tv
	}
}

// UnifiedSnapshot is the merged view of every interface in a query's scope
// at one instant. It is assembled fresh per query and never cached.
type UnifiedSnapshot struct {
	TakenAt    time.Time            `yaml:"taken_at" json:"taken_at"`
	Interfaces map[string]Interface `yaml:"interfaces" json:"interfaces"`

	// Partial is set when a plugin missed its deadline; Missing names the
	// plugins whose state is absent from this snapshot.
	Partial bool     `yaml:"partial,omitempty" json:"partial,omitempty"`
	Missing []string `yaml:"missing,omitempty" json:"missing,omitempty"`

	// Warnings carries the non-fatal faults hit while assembling, so a
	// caller of a partial snapshot can see what went missing and why.
	Warnings []*fault.Error `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// Names returns the snapshot's interface names in ascending order.
func (s *UnifiedSnapshot) Names() []string {
	names := make([]string, 0, len(s.Interfaces))
	for n := range s.Interfaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get looks up an interface by name.
func (s *UnifiedSnapshot) Get(name string) (Interface, bool) {
	i, ok := s.Interfaces[name]
	return i, ok
}

// DesiredState is a declarative document listing target interface states.
// Entries may be partial; state: absent requests deletion.
type DesiredState struct {
	Interfaces []Interface `yaml:"interfaces" json:"interfaces"`
}

// Validate checks structural requirements before planning: entries need
// names, names must be unique, and absent entries must not also carry a
// configuration payload.
func (d *DesiredState) Validate() error {
	seen := make(map[string]struct{}, len(d.Interfaces))
	for idx, iface := range d.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("interface %d: missing name", idx)
		}
		if _, dup := seen[iface.Name]; dup {
			return fmt.Errorf("interface %q listed twice", iface.Name)
		}
		seen[iface.Name] = struct{}{}
		if iface.State == StateAbsent && len(iface.Properties) > 0 {
			return fmt.Errorf("interface %q: absent entries cannot carry properties", iface.Name)
		}
		if iface.Controller != "" && iface.Controller == iface.Name {
			return fmt.Errorf("interface %q: cannot be its own controller", iface.Name)
		}
		if iface.Parent != "" && iface.Parent == iface.Name {
			return fmt.Errorf("interface %q: cannot be its own parent", iface.Name)
		}
	}
	return nil
}

// Get returns the entry for name, if present.
func (d *DesiredState) Get(name string) (Interface, bool) {
	for _, iface := range d.Interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}

// OpKind is what an operation does to its interface.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpModify OpKind = "modify"
	OpDelete OpKind = "delete"
)

// TargetProvider is the Operation.Target value for operations the kernel
// state provider executes itself; anything else is a plugin name.
const TargetProvider = "provider"

// Operation is one step of a plan: bring one interface to its desired
// partial state via one backend.
type Operation struct {
	Seq     int           `yaml:"seq" json:"seq"`
	Kind    OpKind        `yaml:"kind" json:"kind"`
	Iface   string        `yaml:"iface" json:"iface"`
	Type    InterfaceType `yaml:"type" json:"type"`
	Target  string        `yaml:"target" json:"target"`
	Desired Interface     `yaml:"desired" json:"desired"`

	// DependsOn lists Seq values of operations that must have completed
	// before this one may start.
	DependsOn []int `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Notify lists plugins holding declared-property stakes in this
	// operation. The executor hands them the operation after Target
	// succeeds, so a dhcp plugin sees the link it must lease on.
	Notify []string `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// Plan is an ordered operation sequence plus the snapshot it was computed
// against. Order is execution order; the DependsOn edges are retained so
// the executor can tell genuine dependents from merely later operations.
type Plan struct {
	ID        string          `yaml:"id" json:"id"`
	CreatedAt time.Time       `yaml:"created_at" json:"created_at"`
	Ops       []Operation     `yaml:"ops" json:"ops"`
	Snapshot  UnifiedSnapshot `yaml:"snapshot" json:"snapshot"`
}

// TouchedNames returns the names of all interfaces the plan writes, sorted.
func (p *Plan) TouchedNames() []string {
	names := make([]string, 0, len(p.Ops))
	seen := make(map[string]struct{}, len(p.Ops))
	for _, op := range p.Ops {
		if _, ok := seen[op.Iface]; ok {
			continue
		}
		seen[op.Iface] = struct{}{}
		names = append(names, op.Iface)
	}
	sort.Strings(names)
	return names
}

// Terminal states of an executed plan. Applied means every operation
// succeeded but the checkpoint was left pending, either for a confirm
// window or because committing it failed.
const (
	RunCommitted  = "committed"
	RunApplied    = "applied"
	RunRolledBack = "rolledback"
	RunFailed     = "failed"
)

// Per-operation outcome statuses.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// OpOutcome reports one operation's fate within a run.
type OpOutcome struct {
	Seq    int          `yaml:"seq" json:"seq"`
	Kind   OpKind       `yaml:"kind" json:"kind"`
	Iface  string       `yaml:"iface" json:"iface"`
	Target string       `yaml:"target" json:"target"`
	Status string       `yaml:"status" json:"status"`
	Error  *fault.Error `yaml:"error,omitempty" json:"error,omitempty"`
}

// RunResult is the terminal report of one executed plan, carried back to
// the requesting client.
type RunResult struct {
	PlanID        string       `yaml:"plan_id" json:"plan_id"`
	State         string       `yaml:"state" json:"state"`
	Checkpoint    uint64       `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
	CheckpointTag string       `yaml:"checkpoint_tag,omitempty" json:"checkpoint_tag,omitempty"`
	Ops           []OpOutcome  `yaml:"ops,omitempty" json:"ops,omitempty"`
	Error         *fault.Error `yaml:"error,omitempty" json:"error,omitempty"`

	// Reversed lists interfaces rollback restored after a failure.
	// Indeterminate lists the ones it could not; when set, State is failed
	// and manual remediation is required.
	Reversed      []string `yaml:"reversed,omitempty" json:"reversed,omitempty"`
	Indeterminate []string `yaml:"indeterminate,omitempty" json:"indeterminate,omitempty"`

	// ConfirmBy is set when the checkpoint was held open for a confirm
	// window: commit before it passes or the daemon rolls the plan back.
	ConfirmBy time.Time `yaml:"confirm_by,omitempty" json:"confirm_by,omitempty"`
}
