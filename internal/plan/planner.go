// Package plan turns a desired-state document into an ordered operation
// sequence. Planning is pure: it reads a fresh snapshot, computes one
// operation per interface whose target differs from current, wires the
// dependency edges, and orders them deterministically. Nothing is written
// until the engine executes the plan.
package plan

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"

	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/provider"
	"grimm.is/rime/internal/schema"
)

// Snapshotter is the slice of the merge layer the planner consumes.
type Snapshotter interface {
	Query(ctx context.Context, scope []string) (*schema.UnifiedSnapshot, error)
}

// Planner computes plans against live state.
type Planner struct {
	snaps    Snapshotter
	registry *plugin.Registry
	logger   *logging.Logger
}

// New wires a planner.
func New(snaps Snapshotter, registry *plugin.Registry, logger *logging.Logger) *Planner {
	return &Planner{
		snaps:    snaps,
		registry: registry,
		logger:   logger.WithComponent("plan"),
	}
}

// Plan builds the ordered operation sequence that takes the system from its
// current state to desired. Identical desired documents against identical
// state yield identical operation sequences.
func (p *Planner) Plan(ctx context.Context, desired *schema.DesiredState) (*schema.Plan, error) {
	if err := desired.Validate(); err != nil {
		return nil, fault.ConfigurationConflict("%v", err)
	}

	scope := Scope(desired)
	snap, err := p.snaps.Query(ctx, scope)
	if err != nil {
		return nil, err
	}
	if snap.Partial {
		// A missing plugin would make half the diff invisible; plans built
		// on guesses are worse than no plan.
		if len(snap.Warnings) > 0 {
			return nil, fmt.Errorf("planning needs a complete snapshot: %w", snap.Warnings[0])
		}
		return nil, fault.BackendUnavailable("planning needs a complete snapshot")
	}

	g := newOpGraph()
	for _, entry := range desired.Interfaces {
		ops, err := p.operations(entry, snap)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			current, _ := snap.Get(op.Iface)
			g.add(op, releasedRefs(current, op)...)
		}
	}

	g.wire()
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	ops := g.order()

	p.logger.Debug("Plan computed", "interfaces", len(desired.Interfaces), "operations", len(ops))
	return &schema.Plan{
		ID:        uuid.NewString(),
		CreatedAt: clock.Now(),
		Ops:       ops,
		Snapshot:  *snap,
	}, nil
}

// operations computes the operations one desired entry needs: none for a
// no-op, one for a plain change, two for a recreate.
func (p *Planner) operations(entry schema.Interface, snap *schema.UnifiedSnapshot) ([]schema.Operation, error) {
	current, exists := snap.Get(entry.Name)

	if entry.State == schema.StateAbsent {
		if !exists {
			return nil, nil
		}
		op, err := p.deleteOp(current)
		if err != nil {
			return nil, err
		}
		return []schema.Operation{op}, nil
	}

	if !exists {
		op, err := p.createOp(entry, "")
		if err != nil {
			return nil, err
		}
		return []schema.Operation{op}, nil
	}

	// A type or parent change cannot happen in place.
	typeChange := entry.Type != "" && entry.Type != current.Type
	parentChange := entry.Parent != "" && entry.Parent != current.Parent
	if parentChange && current.Parent == "" {
		return nil, fault.ConfigurationConflict("interface %q: %s has no parent to change", entry.Name, current.Type)
	}
	if typeChange || parentChange {
		del, err := p.deleteOp(current)
		if err != nil {
			return nil, err
		}
		create, err := p.createOp(entry, current.Type)
		if err != nil {
			return nil, err
		}
		return []schema.Operation{del, create}, nil
	}

	target, changedKeys, changed := overlay(current, entry)
	if !changed {
		return nil, nil
	}

	targetName, err := p.route(entry.Name, current.Type, kernelVisible(current), false)
	if err != nil {
		return nil, err
	}
	return []schema.Operation{{
		Kind:    schema.OpModify,
		Iface:   entry.Name,
		Type:    current.Type,
		Target:  targetName,
		Desired: target,
		Notify:  p.notifyFor(current.Type, changedKeys, targetName),
	}}, nil
}

func (p *Planner) deleteOp(current schema.Interface) (schema.Operation, error) {
	target, err := p.route(current.Name, current.Type, kernelVisible(current), true)
	if err != nil {
		return schema.Operation{}, err
	}
	keys := make([]string, 0, len(current.Properties))
	for k := range current.Properties {
		keys = append(keys, k)
	}
	return schema.Operation{
		Kind:   schema.OpDelete,
		Iface:  current.Name,
		Type:   current.Type,
		Target: target,
		Desired: schema.Interface{
			Name:       current.Name,
			Type:       current.Type,
			State:      schema.StateAbsent,
			Controller: current.Controller,
			Parent:     current.Parent,
			Sources:    []schema.Source{schema.SourceMerged},
		},
		Notify: p.notifyFor(current.Type, keys, target),
	}, nil
}

func (p *Planner) createOp(entry schema.Interface, fallbackType schema.InterfaceType) (schema.Operation, error) {
	t := entry.Type
	if t == "" {
		t = fallbackType
	}
	if t == "" {
		return schema.Operation{}, fault.ConfigurationConflict("interface %q: creating requires a type", entry.Name)
	}

	target := entry.Clone()
	target.Type = t
	target.Index = 0
	target.OwnerPlugin = ""
	target.Sources = []schema.Source{schema.SourceMerged}
	if target.State == "" {
		target.State = schema.StateUp
	}
	if target.Controller == schema.ControllerNone {
		target.Controller = ""
	}

	targetName, err := p.route(entry.Name, t, false, false)
	if err != nil {
		return schema.Operation{}, err
	}
	keys := make([]string, 0, len(target.Properties))
	for k := range target.Properties {
		keys = append(keys, k)
	}
	return schema.Operation{
		Kind:    schema.OpCreate,
		Iface:   entry.Name,
		Type:    t,
		Target:  targetName,
		Desired: target,
		Notify:  p.notifyFor(t, keys, targetName),
	}, nil
}

// overlay lays a partial desired entry over the current state, producing the
// full target the backend will receive. changedKeys lists the property names
// whose values moved.
func overlay(current, entry schema.Interface) (schema.Interface, []string, bool) {
	target := current.Clone()
	target.Sources = []schema.Source{schema.SourceMerged}
	changed := false

	if entry.State != "" && entry.State != current.State {
		target.State = entry.State
		changed = true
	}
	switch {
	case entry.Controller == schema.ControllerNone:
		target.Controller = ""
		if current.Controller != "" {
			changed = true
		}
	case entry.Controller != "" && entry.Controller != current.Controller:
		target.Controller = entry.Controller
		changed = true
	}

	var changedKeys []string
	if len(entry.Properties) > 0 && target.Properties == nil {
		target.Properties = make(map[string]any, len(entry.Properties))
	}
	for _, key := range propKeys(entry.Properties) {
		val := entry.Properties[key]
		if cur, ok := current.Properties[key]; !ok || !reflect.DeepEqual(cur, val) {
			target.Properties[key] = val
			changedKeys = append(changedKeys, key)
			changed = true
		}
	}

	return target, changedKeys, changed
}

// route picks the backend for an operation. A plugin that owns the type
// wins; the provider covers its native types, and can delete any link the
// kernel can see even when the owning plugin is gone.
func (p *Planner) route(iface string, t schema.InterfaceType, visible, deleting bool) (string, error) {
	if sess, ok := p.registry.OwnerOf(t); ok {
		return sess.Name, nil
	}
	if provider.Native(t) {
		return schema.TargetProvider, nil
	}
	if deleting && visible {
		return schema.TargetProvider, nil
	}
	return "", fault.UnknownInterfaceType(iface, string(t))
}

// notifyFor lists the plugins with declared authority over any of the named
// properties on this type, minus the operation's own target.
func (p *Planner) notifyFor(t schema.InterfaceType, keys []string, target string) []string {
	if len(keys) == 0 {
		return nil
	}
	var names []string
	for _, sess := range p.registry.List() {
		if sess.Name == target {
			continue
		}
		for _, key := range keys {
			if sess.OwnsProperty(t, key) {
				names = append(names, sess.Name)
				break
			}
		}
	}
	return names
}

// Scope walks the desired document's parent/controller references to a
// fixpoint, so the snapshot covers everything the plan could touch or depend
// on. The request pipeline uses the same set for its lock acquisition; the
// locks a request holds cover exactly the interfaces its plan may write.
func Scope(desired *schema.DesiredState) []string {
	seen := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if name == "" || name == schema.ControllerNone || seen[name] {
			return
		}
		seen[name] = true
		if entry, ok := desired.Get(name); ok {
			walk(entry.Controller)
			walk(entry.Parent)
		}
	}
	for _, entry := range desired.Interfaces {
		walk(entry.Name)
		walk(entry.Controller)
		walk(entry.Parent)
	}

	scope := make([]string, 0, len(seen))
	for name := range seen {
		scope = append(scope, name)
	}
	sort.Strings(scope)
	return scope
}

// releasedRefs names the controller an operation detaches from. Delete
// operations carry their old refs in Desired already; a modify that clears
// or swaps the controller releases the old one.
func releasedRefs(current schema.Interface, op schema.Operation) []string {
	if op.Kind != schema.OpModify || current.Controller == "" {
		return nil
	}
	if op.Desired.Controller != current.Controller {
		return []string{current.Controller}
	}
	return nil
}

func kernelVisible(iface schema.Interface) bool {
	for _, s := range iface.Sources {
		if s == schema.SourceKernel {
			return true
		}
	}
	return false
}

func propKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
