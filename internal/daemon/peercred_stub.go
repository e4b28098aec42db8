//go:build !linux

package daemon

import (
	"net"

	"grimm.is/rime/internal/logging"
)

func logPeer(logger *logging.Logger, nc net.Conn) {
	logger.Debug("Client connected", "remote", nc.RemoteAddr().String())
}
