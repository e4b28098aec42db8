package engine

import (
	"context"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/provider"
	"grimm.is/rime/internal/schema"
)

// Dispatcher routes one full interface state to the backend that owns it.
// Forward execution already knows each operation's planned target; restores
// from a checkpoint arrive here as bare interface states and are routed by
// their captured fields, so rollback travels the same write paths.
type Dispatcher struct {
	provider provider.Provider
	registry *plugin.Registry
}

// NewDispatcher wires a dispatcher over the provider and the live registry.
func NewDispatcher(p provider.Provider, registry *plugin.Registry) *Dispatcher {
	return &Dispatcher{provider: p, registry: registry}
}

// ApplyState drives one interface to the given state through its owner.
// It satisfies the checkpoint manager's restore contract.
func (d *Dispatcher) ApplyState(ctx context.Context, iface schema.Interface) error {
	if sess, ok := d.sessionFor(&iface); ok {
		_, err := sess.Apply(ctx, restoreOp(&iface, sess.Name))
		return err
	}
	if provider.Native(iface.Type) {
		return d.provider.ApplyState(ctx, iface)
	}
	// No live owner. The provider can still delete any link the kernel
	// can see, which is enough to undo a create.
	if iface.State == schema.StateAbsent && kernelVisible(&iface) {
		return d.provider.ApplyState(ctx, iface)
	}
	if iface.OwnerPlugin != "" {
		return fault.PluginLost(iface.OwnerPlugin, "cannot restore %s without its plugin", iface.Name)
	}
	return fault.UnknownInterfaceType(iface.Name, string(iface.Type))
}

// sessionFor prefers the session that reported the interface; if that plugin
// is gone, any live session owning the type may restore it.
func (d *Dispatcher) sessionFor(iface *schema.Interface) (*plugin.Session, bool) {
	if iface.OwnerPlugin != "" {
		if sess, ok := d.registry.Get(iface.OwnerPlugin); ok {
			return sess, true
		}
	}
	return d.registry.OwnerOf(iface.Type)
}

func restoreOp(iface *schema.Interface, target string) *schema.Operation {
	kind := schema.OpModify
	if iface.State == schema.StateAbsent {
		kind = schema.OpDelete
	}
	return &schema.Operation{
		Kind:    kind,
		Iface:   iface.Name,
		Type:    iface.Type,
		Target:  target,
		Desired: *iface,
	}
}

func kernelVisible(iface *schema.Interface) bool {
	for _, s := range iface.Sources {
		if s == schema.SourceKernel {
			return true
		}
	}
	return false
}
