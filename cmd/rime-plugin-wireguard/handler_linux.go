//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/schema"
)

const (
	propPrivateKey = "private-key"
	propPublicKey  = "public-key"
	propListenPort = "listen-port"
	propPeers      = "peers"
)

type handler struct {
	logger *logging.Logger
	wg     *wgctrl.Client
}

func newHandler(logger *logging.Logger) (*handler, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return &handler{logger: logger, wg: c}, nil
}

// Query reports every wireguard device on the host. The private key never
// leaves the kernel; snapshots carry the public key instead.
func (h *handler) Query(ctx context.Context) ([]schema.Interface, error) {
	devices, err := h.wg.Devices()
	if err != nil {
		return nil, fmt.Errorf("list wireguard devices: %w", err)
	}

	out := make([]schema.Interface, 0, len(devices))
	for _, dev := range devices {
		iface := schema.Interface{
			Name:  dev.Name,
			Type:  schema.TypeWireGuard,
			State: schema.StateDown,
			Properties: map[string]any{
				propPublicKey:  dev.PublicKey.String(),
				propListenPort: dev.ListenPort,
			},
		}

		if link, err := netlink.LinkByName(dev.Name); err == nil {
			iface.Index = link.Attrs().Index
			if link.Attrs().Flags&net.FlagUp != 0 {
				iface.State = schema.StateUp
			}
		}

		peers := make([]any, 0, len(dev.Peers))
		for _, p := range dev.Peers {
			peer := map[string]any{propPublicKey: p.PublicKey.String()}
			if p.Endpoint != nil {
				peer["endpoint"] = p.Endpoint.String()
			}
			allowed := make([]any, 0, len(p.AllowedIPs))
			for _, ipn := range p.AllowedIPs {
				allowed = append(allowed, ipn.String())
			}
			if len(allowed) > 0 {
				peer["allowed-ips"] = allowed
			}
			peers = append(peers, peer)
		}
		if len(peers) > 0 {
			iface.Properties[propPeers] = peers
		}

		out = append(out, iface)
	}
	return out, nil
}

func (h *handler) Apply(ctx context.Context, op *schema.Operation) (*schema.Interface, error) {
	name := op.Iface

	if op.Kind == schema.OpDelete || op.Desired.State == schema.StateAbsent {
		return nil, h.deleteLink(name)
	}

	link, err := h.ensureLink(name)
	if err != nil {
		return nil, err
	}

	conf, err := deviceConfig(&op.Desired)
	if err != nil {
		return nil, err
	}
	if err := h.wg.ConfigureDevice(name, *conf); err != nil {
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}

	if err := h.applyAddresses(link, &op.Desired); err != nil {
		return nil, err
	}

	if mtu, ok := intProp(op.Desired.Properties[schema.PropMTU]); ok {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return nil, fmt.Errorf("set mtu on %s: %w", name, err)
		}
	}

	if op.Desired.State == schema.StateDown {
		if err := netlink.LinkSetDown(link); err != nil {
			return nil, fmt.Errorf("bring %s down: %w", name, err)
		}
	} else {
		if err := netlink.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("bring %s up: %w", name, err)
		}
	}

	h.logger.Info("WireGuard device configured", "interface", name)
	result := op.Desired.Clone()
	delete(result.Properties, propPrivateKey)
	return &result, nil
}

// Validate translates the desired properties without touching the kernel,
// so bad keys and malformed peers fail before the daemon plans the change.
func (h *handler) Validate(_ context.Context, op *schema.Operation) error {
	if op.Kind == schema.OpDelete || op.Desired.State == schema.StateAbsent {
		return nil
	}
	_, err := deviceConfig(&op.Desired)
	return err
}

func (h *handler) ensureLink(name string) (netlink.Link, error) {
	if link, err := netlink.LinkByName(name); err == nil {
		if _, ok := link.(*netlink.Wireguard); !ok {
			return nil, fmt.Errorf("%s exists but is not a wireguard device", name)
		}
		return link, nil
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	if err := netlink.LinkAdd(&netlink.Wireguard{LinkAttrs: attrs}); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return netlink.LinkByName(name)
}

func (h *handler) deleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return err
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	h.logger.Info("WireGuard device removed", "interface", name)
	return nil
}

func (h *handler) applyAddresses(link netlink.Link, desired *schema.Interface) error {
	for _, s := range stringList(desired.Properties[schema.PropAddresses]) {
		addr, err := netlink.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("address %q: %w", s, err)
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("install address %s: %w", s, err)
		}
	}
	return nil
}

// deviceConfig translates desired properties into a wgtypes.Config. Peers
// are always replaced wholesale so removed peers actually go away.
func deviceConfig(desired *schema.Interface) (*wgtypes.Config, error) {
	conf := wgtypes.Config{ReplacePeers: true}

	if s, ok := desired.Properties[propPrivateKey].(string); ok && s != "" {
		key, err := wgtypes.ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		conf.PrivateKey = &key
	}

	if port, ok := intProp(desired.Properties[propListenPort]); ok {
		conf.ListenPort = &port
	}

	rawPeers, _ := desired.Properties[propPeers].([]any)
	for i, raw := range rawPeers {
		pm, ok := raw.(map[string]any)
		if !ok {
			if im, ok := raw.(map[any]any); ok {
				pm = make(map[string]any, len(im))
				for k, v := range im {
					if ks, ok := k.(string); ok {
						pm[ks] = v
					}
				}
			} else {
				return nil, fmt.Errorf("peer %d: not a mapping", i)
			}
		}

		peer, err := peerConfig(pm)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		conf.Peers = append(conf.Peers, *peer)
	}

	return &conf, nil
}

func peerConfig(pm map[string]any) (*wgtypes.PeerConfig, error) {
	pubStr, _ := pm[propPublicKey].(string)
	if pubStr == "" {
		return nil, fmt.Errorf("missing public-key")
	}
	pub, err := wgtypes.ParseKey(pubStr)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	peer := &wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
	}

	if psk, ok := pm["preshared-key"].(string); ok && psk != "" {
		key, err := wgtypes.ParseKey(psk)
		if err != nil {
			return nil, fmt.Errorf("preshared key: %w", err)
		}
		peer.PresharedKey = &key
	}

	if ep, ok := pm["endpoint"].(string); ok && ep != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", ep)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep, err)
		}
		peer.Endpoint = udpAddr
	}

	for _, s := range stringList(pm["allowed-ips"]) {
		_, ipn, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("allowed-ip %q: %w", s, err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, *ipn)
	}

	if secs, ok := intProp(pm["keepalive"]); ok && secs > 0 {
		d := time.Duration(secs) * time.Second
		peer.PersistentKeepaliveInterval = &d
	}

	return peer, nil
}

func (h *handler) shutdown() {
	h.wg.Close()
}

func stringList(v any) []string {
	switch tv := v.(type) {
	case []string:
		return tv
	case []any:
		out := make([]string, 0, len(tv))
		for _, e := range tv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intProp(v any) (int, bool) {
	switch tv := v.(type) {
	case int:
		return tv, true
	case int64:
		return int(tv), true
	case float64:
		return int(tv), true
	default:
		return 0, false
	}
}
