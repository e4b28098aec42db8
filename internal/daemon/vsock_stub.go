//go:build !linux

package daemon

import (
	"errors"
	"net"
)

func listenVSock(port uint32) (net.Listener, error) {
	return nil, errors.New("vsock is only available on linux")
}
