//go:build linux
// +build linux

package provider

import (
	"fmt"

	"github.com/safchain/ethtool"

	"grimm.is/rime/internal/schema"
)

// EthtoolHardware reads driver, link speed, and permanent MAC via ethtool.
type EthtoolHardware struct {
	handle *ethtool.Ethtool
}

// NewHardware opens an ethtool handle.
func NewHardware() (*EthtoolHardware, error) {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
	}
	return &EthtoolHardware{handle: h}, nil
}

// Fill folds hardware details into a physical interface's properties.
// Virtual links either reject the ioctls or report nothing useful, so every
// lookup is best effort.
func (e *EthtoolHardware) Fill(iface *schema.Interface) {
	if iface.Type != schema.TypeEthernet {
		return
	}
	if iface.Properties == nil {
		iface.Properties = make(map[string]any)
	}

	if info, err := e.handle.DriverInfo(iface.Name); err == nil && info.Driver != "" {
		iface.Properties[PropDriver] = info.Driver
	}

	if perm, err := e.handle.PermAddr(iface.Name); err == nil && perm != "" && perm != "00:00:00:00:00:00" {
		iface.Properties[PropPermMAC] = perm
	}

	if settings, err := e.handle.GetLinkSettings(iface.Name); err == nil {
		// SPEED_UNKNOWN is -1 as a u32.
		if settings.Speed != 0 && settings.Speed != ^uint32(0) {
			iface.Properties[PropSpeed] = int(settings.Speed)
		}
	}
}

// Close releases the ethtool handle.
func (e *EthtoolHardware) Close() {
	e.handle.Close()
}
