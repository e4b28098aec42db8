// Package provider reads and writes kernel network interface state. It is
// the authority for link existence, admin state, addresses, and the other
// kernel-native properties; everything a plugin owns flows through the
// plugin protocol instead.
//
// Netlink interactions go through the Netlinker interface so tests can mock
// the kernel boundary.
package provider

import (
	"context"

	"grimm.is/rime/internal/schema"
)

// Provider is the kernel-state contract the merger and executor consume.
type Provider interface {
	// GetState reports the current state of the named interfaces. An empty
	// scope means every interface. Names in scope that do not exist are
	// simply absent from the result.
	GetState(ctx context.Context, scope []string) ([]schema.Interface, error)

	// ApplyState drives one interface to the given state. The interface is
	// a full target description, not a partial overlay: state absent
	// deletes, a missing link is created, and dependency fields are
	// authoritative (an empty Controller detaches).
	ApplyState(ctx context.Context, iface schema.Interface) error
}

// Kernel-native property keys the provider reports beyond the shared
// schema keys. Plugins must not declare ownership of these.
const (
	PropDriver   = "driver"
	PropSpeed    = "speed-mbps"
	PropPermMAC  = "permanent-mac"
	PropVLANID   = "vlan-id"
	PropBondMode = "bond-mode"
	PropVethPeer = "peer"
)

// Native reports whether the kernel provider manages interfaces of the
// given type itself when no plugin claims them.
func Native(t schema.InterfaceType) bool {
	switch t {
	case schema.TypeEthernet, schema.TypeLoopback, schema.TypeBond,
		schema.TypeBridge, schema.TypeVLAN, schema.TypeDummy, schema.TypeVeth:
		return true
	}
	return false
}

// KernelProperties lists every property name the kernel provider owns.
func KernelProperties() []string {
	return []string{
		schema.PropAddresses,
		schema.PropMTU,
		schema.PropMAC,
		PropDriver,
		PropSpeed,
		PropPermMAC,
		PropVLANID,
		PropBondMode,
		PropVethPeer,
	}
}

// Hardware supplies ethtool-style details for physical interfaces. The
// linux implementation folds driver, link speed, and permanent MAC into the
// interface properties; elsewhere it is a no-op.
type Hardware interface {
	Fill(iface *schema.Interface)
	Close()
}

// NoopHardware satisfies Hardware where ethtool is unavailable.
type NoopHardware struct{}

func (NoopHardware) Fill(*schema.Interface) {}
func (NoopHardware) Close()                 {}
