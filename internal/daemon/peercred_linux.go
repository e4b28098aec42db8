//go:build linux

package daemon

import (
	"net"

	"golang.org/x/sys/unix"

	"grimm.is/rime/internal/logging"
)

// logPeer records who connected. Socket file permissions do the actual
// gating; the credential is for the audit trail.
func logPeer(logger *logging.Logger, nc net.Conn) {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		logger.Debug("Client connected", "remote", nc.RemoteAddr().String())
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	var cred *unix.Ucred
	raw.Control(func(fd uintptr) {
		cred, _ = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cred != nil {
		logger.Debug("Client connected", "pid", cred.Pid, "uid", cred.Uid)
	}
}
