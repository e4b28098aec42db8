//go:build linux

package daemon

import (
	"net"

	"github.com/mdlayher/vsock"
)

// listenVSock opens an AF_VSOCK listener so a control client on the
// hypervisor side can reach a daemon running inside a guest.
func listenVSock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
