// Package merge assembles the unified state snapshot: kernel state from the
// provider folded together with every registered plugin's view, one coherent
// model per query, never cached.
//
// Authority rules are strict. The kernel owns link existence, admin state,
// the dependency fields, and the kernel-native properties; a plugin owns the
// interface types it declared and the property names it declared per type.
// When two authorities disagree about one field the query fails with a
// configuration-conflict fault rather than picking a winner.
package merge

import (
	"context"
	"reflect"
	"sort"

	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/metrics"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/provider"
	"grimm.is/rime/internal/schema"
)

// Merger builds unified snapshots from the provider and the plugin registry.
type Merger struct {
	provider provider.Provider
	registry *plugin.Registry
	logger   *logging.Logger

	kernelProps map[string]bool
}

// New wires a merger.
func New(p provider.Provider, r *plugin.Registry, logger *logging.Logger) *Merger {
	props := make(map[string]bool)
	for _, name := range provider.KernelProperties() {
		props[name] = true
	}
	return &Merger{
		provider:    p,
		registry:    r,
		logger:      logger.WithComponent("merge"),
		kernelProps: props,
	}
}

// claim records who supplied the current value of one property during
// assembly, so a later contributor can be checked against it.
type claim struct {
	value     any
	holder    string
	authority bool
}

// Query assembles a fresh snapshot of the scoped interfaces. An empty scope
// means everything. A plugin that fails to answer does not fail the query:
// the snapshot comes back partial, with the plugin named in Missing and the
// fault attached as a warning. Only the kernel provider is load-bearing.
func (m *Merger) Query(ctx context.Context, scope []string) (*schema.UnifiedSnapshot, error) {
	started := clock.Now()

	kernel, err := m.provider.GetState(ctx, scope)
	if err != nil {
		return nil, err
	}

	snap := &schema.UnifiedSnapshot{
		TakenAt:    started,
		Interfaces: make(map[string]schema.Interface, len(kernel)),
	}

	// Per-property provenance for the lifetime of this assembly. The
	// provider only reports kernel-native keys, so everything it hands us
	// is held with authority.
	claims := make(map[string]map[string]claim)
	for _, iface := range kernel {
		snap.Interfaces[iface.Name] = iface
		held := make(map[string]claim, len(iface.Properties))
		for key, val := range iface.Properties {
			held[key] = claim{value: val, holder: "kernel", authority: true}
		}
		claims[iface.Name] = held
	}

	for _, sess := range m.sessionsFor(scope, snap.Interfaces) {
		ifaces, err := sess.Query(ctx, scope)
		if err != nil {
			fe := fault.From(err)
			m.logger.Warn("Plugin query failed, snapshot is partial",
				"plugin", sess.Name, "kind", string(fe.Kind), "error", err)
			snap.Partial = true
			snap.Missing = append(snap.Missing, sess.Name)
			snap.Warnings = append(snap.Warnings, fe)
			continue
		}
		for _, pi := range ifaces {
			if err := m.fold(snap, claims, sess, pi); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(snap.Missing)
	metrics.Get().RecordSnapshot(snap.Partial, clock.Since(started))
	return snap, nil
}

// fold merges one plugin-reported interface into the snapshot.
func (m *Merger) fold(snap *schema.UnifiedSnapshot, claims map[string]map[string]claim, sess *plugin.Session, pi schema.Interface) error {
	if pi.Name == "" {
		return fault.ConfigurationConflict("plugin %s reported an unnamed interface", sess.Name)
	}

	existing, known := snap.Interfaces[pi.Name]
	if !known {
		// Plugin-only interface, invisible to netlink.
		pi.Sources = []schema.Source{schema.SourcePlugin}
		pi.OwnerPlugin = sess.Name
		snap.Interfaces[pi.Name] = pi

		held := make(map[string]claim, len(pi.Properties))
		for key, val := range pi.Properties {
			held[key] = claim{value: val, holder: sess.Name, authority: sess.OwnsProperty(pi.Type, key)}
		}
		claims[pi.Name] = held
		return nil
	}

	// The kernel already describes the link. Identity, admin state, and the
	// dependency fields stay the kernel's; the plugin contributes properties
	// and, when it owns the whole type, operational ownership.
	if sess.Owns(existing.Type) {
		existing.OwnerPlugin = sess.Name
	}
	existing.Sources = appendSource(existing.Sources, schema.SourcePlugin)
	if existing.Properties == nil {
		existing.Properties = make(map[string]any, len(pi.Properties))
	}

	held := claims[pi.Name]
	for _, key := range sortedKeys(pi.Properties) {
		val := pi.Properties[key]
		declared := sess.OwnsProperty(existing.Type, key)

		prev, contested := held[key]
		if !contested {
			existing.Properties[key] = val
			held[key] = claim{value: val, holder: sess.Name, authority: declared}
			continue
		}
		if reflect.DeepEqual(prev.value, val) {
			continue
		}

		switch {
		case prev.authority && declared:
			// Two authorities, two values. Never resolved silently.
			return conflict(pi.Name, key, prev, sess.Name, val)
		case declared:
			existing.Properties[key] = val
			held[key] = claim{value: val, holder: sess.Name, authority: true}
		case prev.authority:
			m.logger.Debug("Dropping unowned plugin property",
				"plugin", sess.Name, "interface", pi.Name, "property", key)
		default:
			// Neither side declared the key. No rule picks a winner.
			return conflict(pi.Name, key, prev, sess.Name, val)
		}
	}

	snap.Interfaces[pi.Name] = existing
	return nil
}

// sessionsFor picks the plugins worth asking for a scope. An empty scope
// asks everyone. A named scope asks the owners of the scoped types; when a
// scoped name is unknown to the kernel it could be a plugin-only interface,
// so everyone is asked after all.
func (m *Merger) sessionsFor(scope []string, kernel map[string]schema.Interface) []*plugin.Session {
	all := m.registry.List()
	if len(scope) == 0 {
		return all
	}

	types := make(map[schema.InterfaceType]bool, len(scope))
	for _, name := range scope {
		iface, ok := kernel[name]
		if !ok {
			return all
		}
		types[iface.Type] = true
	}

	var picked []*plugin.Session
	for _, sess := range all {
		for t := range types {
			if sess.Owns(t) || len(sess.Properties[string(t)]) > 0 {
				picked = append(picked, sess)
				break
			}
		}
	}
	return picked
}

func conflict(name, key string, prev claim, plugin string, val any) error {
	e := fault.ConfigurationConflict("interface %s property %q reported as %v by %s and %v by %s",
		name, key, prev.value, prev.holder, val, plugin)
	e.Interfaces = []string{name}
	return e
}

func appendSource(sources []schema.Source, s schema.Source) []schema.Source {
	for _, have := range sources {
		if have == s {
			return sources
		}
	}
	return append(sources, s)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
