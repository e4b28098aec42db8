package plugin

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rime/internal/brand"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/logging"
)

func testSupervisor(t *testing.T, dir string) *Supervisor {
	t.Helper()
	opts := DefaultSupervisorOptions(dir)
	opts.HandshakeTimeout = time.Second
	return NewSupervisor(opts, NewRegistry(), nil, nil, logging.New(logging.DefaultConfig()))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, mode os.FileMode) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), mode))
	}
	write(brand.PluginPrefix+"wireguard", 0755)
	write(brand.PluginPrefix+"dhcp", 0755)
	write(brand.PluginPrefix+"dns", 0644) // no execute bit
	write("unrelated-tool", 0755)         // wrong prefix

	specs, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "dhcp", specs[0].Name)
	assert.Equal(t, filepath.Join(dir, brand.PluginPrefix+"dhcp"), specs[0].Path)
	assert.Equal(t, "wireguard", specs[1].Name)
}

func TestDiscoverMissingDir(t *testing.T) {
	specs, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestSupervisorHandshake(t *testing.T) {
	dialAndGreet := func(t *testing.T, sock string, hello *Hello) chan HelloAck {
		t.Helper()
		ackCh := make(chan HelloAck, 1)
		go func() {
			var conn net.Conn
			var err error
			for i := 0; i < 20; i++ {
				conn, err = net.Dial("unix", sock)
				if err == nil {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err != nil {
				return
			}
			c := ipc.NewConn(conn, 0)
			if err := c.WriteMessage(hello); err != nil {
				return
			}
			var ack HelloAck
			if err := c.ReadMessage(&ack); err != nil {
				return
			}
			ackCh <- ack
		}()
		return ackCh
	}

	listen := func(t *testing.T) (net.Listener, string) {
		t.Helper()
		sock := filepath.Join(t.TempDir(), "s.sock")
		ln, err := net.Listen("unix", sock)
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		return ln, sock
	}

	t.Run("accepted", func(t *testing.T) {
		s := testSupervisor(t, t.TempDir())
		ln, sock := listen(t)

		ackCh := dialAndGreet(t, sock, &Hello{
			Name:         "dhcp",
			Version:      "1.0.0",
			Protocol:     ProtocolVersion,
			PID:          123,
			Capabilities: []string{"ethernet"},
		})

		sess, err := s.handshake(ln, Spec{Name: "dhcp", CallTimeout: time.Second})
		require.NoError(t, err)
		defer sess.Close()

		assert.Equal(t, "dhcp", sess.Name)
		assert.Equal(t, 123, sess.PID)
		assert.NotEmpty(t, sess.ID)

		select {
		case ack := <-ackCh:
			assert.Equal(t, sess.ID, ack.SessionID)
			assert.Equal(t, int(s.opts.PingInterval/time.Second), ack.PingIntervalSeconds)
			assert.Nil(t, ack.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("plugin side never received the ack")
		}
	})

	t.Run("identity mismatch", func(t *testing.T) {
		s := testSupervisor(t, t.TempDir())
		ln, sock := listen(t)

		ackCh := dialAndGreet(t, sock, &Hello{
			Name:         "impostor",
			Protocol:     ProtocolVersion,
			Capabilities: []string{"ethernet"},
		})

		_, err := s.handshake(ln, Spec{Name: "dhcp", CallTimeout: time.Second})
		require.Error(t, err)

		select {
		case ack := <-ackCh:
			require.NotNil(t, ack.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("plugin side never received the rejection")
		}
	})

	t.Run("protocol mismatch", func(t *testing.T) {
		s := testSupervisor(t, t.TempDir())
		ln, sock := listen(t)

		dialAndGreet(t, sock, &Hello{
			Name:         "dhcp",
			Protocol:     ProtocolVersion + 99,
			Capabilities: []string{"ethernet"},
		})

		_, err := s.handshake(ln, Spec{Name: "dhcp", CallTimeout: time.Second})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "protocol")
	})

	t.Run("no capabilities", func(t *testing.T) {
		s := testSupervisor(t, t.TempDir())
		ln, sock := listen(t)

		dialAndGreet(t, sock, &Hello{
			Name:     "dhcp",
			Protocol: ProtocolVersion,
		})

		_, err := s.handshake(ln, Spec{Name: "dhcp", CallTimeout: time.Second})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "capabilities")
	})
}

// A plugin binary that exits without ever dialing back must surface as a
// handshake timeout, not hang the supervisor.
func TestSupervisorRunOnceHandshakeTimeout(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "noop-plugin")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0755))

	opts := DefaultSupervisorOptions(dir)
	opts.HandshakeTimeout = 300 * time.Millisecond
	s := NewSupervisor(opts, NewRegistry(), nil, nil, logging.New(logging.DefaultConfig()))

	err := s.runOnce(context.Background(), Spec{Name: "noop", Path: script, CallTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindPluginTimeout}))
}
