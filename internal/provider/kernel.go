package provider

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/schema"
)

// Kernel is the netlink-backed Provider.
type Kernel struct {
	nl     Netlinker
	hw     Hardware
	logger *logging.Logger
}

// New opens the real kernel provider. Ethtool failure degrades to a
// provider without hardware details rather than failing startup; some
// container environments refuse the ioctl socket.
func New(logger *logging.Logger) (*Kernel, error) {
	nl, err := NewNetlinker()
	if err != nil {
		return nil, err
	}
	var hw Hardware = NoopHardware{}
	if h, err := NewHardware(); err == nil {
		hw = h
	} else {
		logger.Warn("Ethtool unavailable, hardware details disabled", "error", err)
	}
	return NewKernel(nl, hw, logger), nil
}

// NewKernel wires a provider from explicit parts. Tests pass mocks here.
func NewKernel(nl Netlinker, hw Hardware, logger *logging.Logger) *Kernel {
	if hw == nil {
		hw = NoopHardware{}
	}
	return &Kernel{
		nl:     nl,
		hw:     hw,
		logger: logger.WithComponent("provider"),
	}
}

// Close releases the netlink and ethtool handles.
func (k *Kernel) Close() {
	k.hw.Close()
	k.nl.Close()
}

// GetState reports the current kernel state of the scoped interfaces.
func (k *Kernel) GetState(ctx context.Context, scope []string) ([]schema.Interface, error) {
	links, err := k.nl.LinkList()
	if err != nil {
		return nil, fault.BackendUnavailable("netlink link list failed: %v", err)
	}

	byIndex := make(map[int]string, len(links))
	for _, l := range links {
		byIndex[l.Attrs().Index] = l.Attrs().Name
	}

	var want map[string]bool
	if len(scope) > 0 {
		want = make(map[string]bool, len(scope))
		for _, name := range scope {
			want[name] = true
		}
	}

	var out []schema.Interface
	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attrs := l.Attrs()
		if want != nil && !want[attrs.Name] {
			continue
		}
		iface := k.describe(l, byIndex)
		k.hw.Fill(&iface)
		out = append(out, iface)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// describe maps one netlink link to the schema representation.
func (k *Kernel) describe(l netlink.Link, byIndex map[int]string) schema.Interface {
	attrs := l.Attrs()
	iface := schema.Interface{
		Name:       attrs.Name,
		Index:      attrs.Index,
		Type:       linkType(l),
		State:      schema.StateDown,
		Sources:    []schema.Source{schema.SourceKernel},
		Properties: make(map[string]any),
	}
	if attrs.Flags&net.FlagUp != 0 {
		iface.State = schema.StateUp
	}
	if attrs.MasterIndex != 0 {
		iface.Controller = byIndex[attrs.MasterIndex]
	}
	if vlan, ok := l.(*netlink.Vlan); ok {
		iface.Parent = byIndex[vlan.ParentIndex]
		iface.Properties[PropVLANID] = vlan.VlanId
	}
	if bond, ok := l.(*netlink.Bond); ok {
		iface.Properties[PropBondMode] = bond.Mode.String()
	}
	if attrs.MTU > 0 {
		iface.Properties[schema.PropMTU] = attrs.MTU
	}
	if len(attrs.HardwareAddr) > 0 {
		iface.Properties[schema.PropMAC] = attrs.HardwareAddr.String()
	}

	if addrs, err := k.nl.AddrList(l, unix.AF_UNSPEC); err == nil { // AF_UNSPEC for both IPv4 and IPv6
		var cidrs []string
		for _, a := range addrs {
			// Kernel-managed link-local noise is not configuration.
			if a.IP.IsLinkLocalUnicast() {
				continue
			}
			cidrs = append(cidrs, a.IPNet.String())
		}
		if len(cidrs) > 0 {
			sort.Strings(cidrs)
			iface.Properties[schema.PropAddresses] = cidrs
		}
	}
	return iface
}

// ApplyState drives one interface to the target state. The target is a full
// description, so dependency fields and admin state are authoritative.
func (k *Kernel) ApplyState(ctx context.Context, iface schema.Interface) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if iface.State == schema.StateAbsent {
		return k.deleteLink(iface.Name)
	}

	link, err := k.nl.LinkByName(iface.Name)
	if err != nil {
		link, err = k.createLink(iface)
		if err != nil {
			return err
		}
		k.logger.Info("Created interface", "name", iface.Name, "type", string(iface.Type))
	}

	return k.configureLink(ctx, link, iface)
}

func (k *Kernel) deleteLink(name string) error {
	link, err := k.nl.LinkByName(name)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := k.nl.LinkDel(link); err != nil {
		return fault.OperationFailed(name, "delete failed: %v", err)
	}
	k.logger.Info("Deleted interface", "name", name)
	return nil
}

// createLink builds the netlink object for a missing interface and adds it.
func (k *Kernel) createLink(iface schema.Interface) (netlink.Link, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = iface.Name

	var link netlink.Link
	switch iface.Type {
	case schema.TypeBridge:
		link = &netlink.Bridge{LinkAttrs: attrs}

	case schema.TypeBond:
		bond := netlink.NewLinkBond(attrs)
		bond.Mode = bondMode(stringProp(iface.Properties, PropBondMode))
		link = bond

	case schema.TypeVLAN:
		if iface.Parent == "" {
			return nil, fault.OperationFailed(iface.Name, "vlan requires a parent interface")
		}
		parent, err := k.nl.LinkByName(iface.Parent)
		if err != nil {
			return nil, fault.OperationFailed(iface.Name, "vlan parent %s not found: %v", iface.Parent, err)
		}
		id, err := vlanID(iface)
		if err != nil {
			return nil, fault.OperationFailed(iface.Name, "%v", err)
		}
		attrs.ParentIndex = parent.Attrs().Index
		link = &netlink.Vlan{LinkAttrs: attrs, VlanId: id}

	case schema.TypeDummy:
		link = &netlink.Dummy{LinkAttrs: attrs}

	case schema.TypeVeth:
		peer := stringProp(iface.Properties, PropVethPeer)
		if peer == "" {
			peer = iface.Name + "-peer"
		}
		link = &netlink.Veth{LinkAttrs: attrs, PeerName: peer}

	case schema.TypeEthernet, schema.TypeLoopback:
		return nil, fault.OperationFailed(iface.Name, "physical interface does not exist and cannot be created")

	default:
		return nil, fault.UnknownInterfaceType(iface.Name, string(iface.Type))
	}

	if err := k.nl.LinkAdd(link); err != nil {
		return nil, fault.OperationFailed(iface.Name, "create failed: %v", err)
	}

	// Re-read so later steps see the kernel-assigned index.
	created, err := k.nl.LinkByName(iface.Name)
	if err != nil {
		return nil, fault.OperationFailed(iface.Name, "created but not found: %v", err)
	}
	return created, nil
}

// configureLink reconciles an existing link with the target description.
// Admin state changes last so dependent configuration lands on a quiet link.
func (k *Kernel) configureLink(ctx context.Context, link netlink.Link, iface schema.Interface) error {
	name := iface.Name
	attrs := link.Attrs()

	if iface.Controller != "" {
		master, err := k.nl.LinkByName(iface.Controller)
		if err != nil {
			return fault.OperationFailed(name, "controller %s not found: %v", iface.Controller, err)
		}
		if attrs.MasterIndex != master.Attrs().Index {
			if err := k.nl.LinkSetMaster(link, master); err != nil {
				return fault.OperationFailed(name, "attach to %s failed: %v", iface.Controller, err)
			}
		}
	} else if attrs.MasterIndex != 0 {
		if err := k.nl.LinkSetNoMaster(link); err != nil {
			return fault.OperationFailed(name, "detach failed: %v", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if mtu, ok := intProp(iface.Properties, schema.PropMTU); ok && mtu > 0 && mtu != attrs.MTU {
		if err := k.nl.LinkSetMTU(link, mtu); err != nil {
			return fault.OperationFailed(name, "set mtu %d failed: %v", mtu, err)
		}
	}

	if mac := stringProp(iface.Properties, schema.PropMAC); mac != "" && !strings.EqualFold(mac, attrs.HardwareAddr.String()) {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return fault.OperationFailed(name, "bad mac %q: %v", mac, err)
		}
		if err := k.nl.LinkSetHardwareAddr(link, hw); err != nil {
			return fault.OperationFailed(name, "set mac failed: %v", err)
		}
	}

	if desired, ok := addressProp(iface.Properties); ok {
		if err := k.reconcileAddrs(link, name, desired); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	switch iface.State {
	case schema.StateUp:
		if err := k.nl.LinkSetUp(link); err != nil {
			return fault.OperationFailed(name, "link up failed: %v", err)
		}
	case schema.StateDown:
		if err := k.nl.LinkSetDown(link); err != nil {
			return fault.OperationFailed(name, "link down failed: %v", err)
		}
	}
	return nil
}

// reconcileAddrs makes the link's address set exactly match desired,
// ignoring link-local addresses the kernel manages itself.
func (k *Kernel) reconcileAddrs(link netlink.Link, name string, desired []string) error {
	current, err := k.nl.AddrList(link, unix.AF_UNSPEC)
	if err != nil {
		return fault.OperationFailed(name, "address list failed: %v", err)
	}

	have := make(map[string]netlink.Addr, len(current))
	for _, a := range current {
		if a.IP.IsLinkLocalUnicast() {
			continue
		}
		have[a.IPNet.String()] = a
	}

	want := make(map[string]bool, len(desired))
	for _, cidr := range desired {
		addr, err := k.nl.ParseAddr(cidr)
		if err != nil {
			return fault.OperationFailed(name, "bad address %q: %v", cidr, err)
		}
		key := addr.IPNet.String()
		want[key] = true
		if _, ok := have[key]; !ok {
			if err := k.nl.AddrAdd(link, addr); err != nil {
				return fault.OperationFailed(name, "add address %s failed: %v", cidr, err)
			}
		}
	}

	for key, addr := range have {
		if !want[key] {
			a := addr
			if err := k.nl.AddrDel(link, &a); err != nil {
				return fault.OperationFailed(name, "remove address %s failed: %v", key, err)
			}
		}
	}
	return nil
}

// linkType maps netlink's type string to the schema enum.
func linkType(l netlink.Link) schema.InterfaceType {
	switch l.Type() {
	case "bridge":
		return schema.TypeBridge
	case "bond":
		return schema.TypeBond
	case "vlan":
		return schema.TypeVLAN
	case "dummy":
		return schema.TypeDummy
	case "veth":
		return schema.TypeVeth
	case "wireguard":
		return schema.TypeWireGuard
	default:
		if l.Attrs().Flags&net.FlagLoopback != 0 {
			return schema.TypeLoopback
		}
		return schema.TypeEthernet
	}
}

// bondMode maps a config string to the netlink constant, defaulting to
// active-backup, the only mode safe without switch cooperation.
func bondMode(s string) netlink.BondMode {
	switch s {
	case "802.3ad", "lacp":
		return netlink.BOND_MODE_802_3AD
	case "balance-rr":
		return netlink.BOND_MODE_BALANCE_RR
	case "balance-xor":
		return netlink.BOND_MODE_BALANCE_XOR
	case "broadcast":
		return netlink.BOND_MODE_BROADCAST
	case "balance-tlb":
		return netlink.BOND_MODE_BALANCE_TLB
	case "balance-alb":
		return netlink.BOND_MODE_BALANCE_ALB
	default:
		return netlink.BOND_MODE_ACTIVE_BACKUP
	}
}

// vlanID pulls the VLAN ID from properties, falling back to the name
// convention parent.N.
func vlanID(iface schema.Interface) (int, error) {
	if id, ok := intProp(iface.Properties, PropVLANID); ok {
		if id < 1 || id > 4094 {
			return 0, fmt.Errorf("vlan id %d out of range", id)
		}
		return id, nil
	}
	if dot := strings.LastIndex(iface.Name, "."); dot >= 0 {
		if id, err := strconv.Atoi(iface.Name[dot+1:]); err == nil && id >= 1 && id <= 4094 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("vlan id missing (set %s or name the interface parent.N)", PropVLANID)
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// intProp tolerates the numeric types YAML decoding produces.
func intProp(props map[string]any, key string) (int, bool) {
	switch v := props[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// addressProp returns the desired address list. The second return
// distinguishes "no addresses wanted" (key present, empty) from "leave
// addresses alone" (key absent).
func addressProp(props map[string]any) ([]string, bool) {
	v, ok := props[schema.PropAddresses]
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
