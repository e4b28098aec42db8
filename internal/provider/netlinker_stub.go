//go:build !linux
// +build !linux

package provider

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// RealNetlinker is a stub on non-Linux platforms.
type RealNetlinker struct{}

// NewNetlinker returns a stub that fails on first use.
func NewNetlinker() (*RealNetlinker, error) {
	return &RealNetlinker{}, nil
}

var errUnsupported = fmt.Errorf("netlink not supported on this platform")

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) LinkAdd(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkDel(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetDown(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetHardwareAddr(link netlink.Link, addr net.HardwareAddr) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetNoMaster(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return errUnsupported
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return errUnsupported
}

func (r *RealNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

func (r *RealNetlinker) Close() {}
