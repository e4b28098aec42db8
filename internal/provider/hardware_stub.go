//go:build !linux
// +build !linux

package provider

// NewHardware returns a no-op Hardware on platforms without ethtool.
func NewHardware() (NoopHardware, error) {
	return NoopHardware{}, nil
}
