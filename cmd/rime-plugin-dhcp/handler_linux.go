//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/vishvananda/netlink"

	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/schema"
)

// handler runs one DHCP client per enabled interface. Leases are applied
// with netlink (address plus default route) and renewed at T1.
type handler struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*leaseLoop
}

// leaseLoop is one interface's running client.
type leaseLoop struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	addr  string
	since time.Time
}

func newHandler(logger *logging.Logger) *handler {
	return &handler{logger: logger, clients: make(map[string]*leaseLoop)}
}

// Query reports the interfaces with active lease loops and their current
// lease address.
func (h *handler) Query(ctx context.Context) ([]schema.Interface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]schema.Interface, 0, len(h.clients))
	for name, loop := range h.clients {
		loop.mu.Lock()
		props := map[string]any{schema.PropDHCP: true}
		if loop.addr != "" {
			props[schema.PropAddresses] = []string{loop.addr}
			props["lease-obtained"] = loop.since.Format(time.RFC3339)
		}
		loop.mu.Unlock()

		out = append(out, schema.Interface{
			Name:       name,
			State:      schema.StateUp,
			Properties: props,
		})
	}
	return out, nil
}

// Apply starts or stops the lease loop depending on the desired dhcp flag.
// The link itself is the provider's problem; by the time the daemon notifies
// us the link is already configured and up.
func (h *handler) Apply(ctx context.Context, op *schema.Operation) (*schema.Interface, error) {
	name := op.Iface
	want := op.Kind != schema.OpDelete &&
		op.Desired.State != schema.StateAbsent &&
		op.Desired.DHCP()

	h.mu.Lock()
	loop, running := h.clients[name]
	if running && !want {
		delete(h.clients, name)
	}
	h.mu.Unlock()

	if running && !want {
		loop.cancel()
		h.logger.Info("DHCP client stopped", "interface", name)
		return nil, nil
	}
	if !want {
		return nil, nil
	}
	if !running {
		if err := h.start(name); err != nil {
			return nil, err
		}
	}

	result := op.Desired.Clone()
	return &result, nil
}

func (h *handler) start(name string) error {
	client, err := nclient4.New(name)
	if err != nil {
		return fmt.Errorf("open dhcp client on %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &leaseLoop{cancel: cancel}

	h.mu.Lock()
	h.clients[name] = loop
	h.mu.Unlock()

	go h.run(ctx, client, name, loop)
	h.logger.Info("DHCP client started", "interface", name)
	return nil
}

// run does the DORA exchange and then renews at T1 until cancelled.
func (h *handler) run(ctx context.Context, client *nclient4.Client, name string, loop *leaseLoop) {
	defer client.Close()

	var lease *nclient4.Lease
	for lease == nil {
		var err error
		lease, err = client.Request(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("DHCP discovery failed, retrying", "interface", name, "error", err)
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		if err := h.applyLease(name, lease, loop); err != nil {
			h.logger.Warn("Applying lease failed", "interface", name, "error", err)
		}

		t1 := lease.ACK.IPAddressRenewalTime(0)
		if t1 == 0 {
			if lt := lease.ACK.IPAddressLeaseTime(0); lt > 0 {
				t1 = lt / 2
			} else {
				t1 = time.Hour
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t1):
		}

		renewed, err := client.Renew(ctx, lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("DHCP renewal failed", "interface", name, "error", err)
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		lease = renewed
	}
}

// applyLease installs the leased address and default route.
func (h *handler) applyLease(name string, lease *nclient4.Lease, loop *leaseLoop) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}

	ip := lease.ACK.YourIPAddr
	mask := lease.ACK.SubnetMask()
	if mask == nil {
		mask = ip.DefaultMask()
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("install address %s: %w", addr.IPNet, err)
	}

	if routers := lease.ACK.Router(); len(routers) > 0 {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        routers[0],
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("install default route via %s: %w", routers[0], err)
		}
	}

	loop.mu.Lock()
	loop.addr = addr.IPNet.String()
	loop.since = time.Now()
	loop.mu.Unlock()

	h.logger.Info("Lease applied", "interface", name, "address", addr.IPNet.String())
	return nil
}

// shutdown cancels every lease loop.
func (h *handler) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, loop := range h.clients {
		loop.cancel()
		delete(h.clients, name)
	}
}
