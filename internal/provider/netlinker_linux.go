//go:build linux
// +build linux

package provider

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// RealNetlinker talks to the kernel through a netlink handle pinned to the
// namespace the daemon started in, so queries and applies stay in one
// namespace no matter which OS thread runs them.
type RealNetlinker struct {
	handle *netlink.Handle
	ns     netns.NsHandle
}

// NewNetlinker opens a namespace-pinned netlink handle.
func NewNetlinker() (*RealNetlinker, error) {
	ns, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get current netns: %w", err)
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, fmt.Errorf("failed to open netlink handle: %w", err)
	}
	return &RealNetlinker{handle: handle, ns: ns}, nil
}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return r.handle.LinkByName(name)
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return r.handle.LinkList()
}

func (r *RealNetlinker) LinkAdd(link netlink.Link) error {
	return r.handle.LinkAdd(link)
}

func (r *RealNetlinker) LinkDel(link netlink.Link) error {
	return r.handle.LinkDel(link)
}

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return r.handle.LinkSetUp(link)
}

func (r *RealNetlinker) LinkSetDown(link netlink.Link) error {
	return r.handle.LinkSetDown(link)
}

func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return r.handle.LinkSetMTU(link, mtu)
}

func (r *RealNetlinker) LinkSetHardwareAddr(link netlink.Link, addr net.HardwareAddr) error {
	return r.handle.LinkSetHardwareAddr(link, addr)
}

func (r *RealNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	return r.handle.LinkSetMaster(slave, master)
}

func (r *RealNetlinker) LinkSetNoMaster(link netlink.Link) error {
	return r.handle.LinkSetNoMaster(link)
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return r.handle.AddrList(link, family)
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return r.handle.AddrAdd(link, addr)
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return r.handle.AddrDel(link, addr)
}

func (r *RealNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

// Close releases the netlink handle and the pinned namespace.
func (r *RealNetlinker) Close() {
	r.handle.Close()
	r.ns.Close()
}
