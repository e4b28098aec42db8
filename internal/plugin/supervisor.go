package plugin

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"grimm.is/rime/internal/brand"
	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/events"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/metrics"
	"grimm.is/rime/internal/state"
)

// Spec describes one plugin binary the supervisor should run.
type Spec struct {
	Name        string
	Path        string
	CallTimeout time.Duration
}

// SupervisorOptions tunes plugin process management.
type SupervisorOptions struct {
	// SocketDir is where per-plugin session sockets are created.
	SocketDir string

	// HandshakeTimeout bounds spawn-to-register. A plugin that has not said
	// hello by then is killed and retried.
	HandshakeTimeout time.Duration

	// PingInterval is how often idle sessions are probed.
	PingInterval time.Duration

	// RestartBackoff is the first retry delay after a session ends. It
	// doubles per consecutive failure up to MaxBackoff and resets once a
	// session survives StableAfter.
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	StableAfter    time.Duration
}

// DefaultSupervisorOptions returns the standard timings.
func DefaultSupervisorOptions(socketDir string) SupervisorOptions {
	return SupervisorOptions{
		SocketDir:        socketDir,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		RestartBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		StableAfter:      time.Minute,
	}
}

// Supervisor spawns plugin processes, handshakes their sessions into the
// registry, keeps them alive, and restarts them when they die. Loss of a
// session mid-flight is reported through the OnLost hook so the executor can
// fail and roll back affected plans.
type Supervisor struct {
	opts     SupervisorOptions
	registry *Registry
	hub      *events.Hub
	audit    *state.PluginAuditBucket
	logger   *logging.Logger

	mu     sync.Mutex
	onLost func(name string)

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor. hub and audit may be nil in tests.
func NewSupervisor(opts SupervisorOptions, registry *Registry, hub *events.Hub, audit *state.PluginAuditBucket, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		opts:     opts,
		registry: registry,
		hub:      hub,
		audit:    audit,
		logger:   logger.WithComponent("plugin"),
	}
}

// SetOnLost installs the session-loss hook. Must be set before Start.
func (s *Supervisor) SetOnLost(fn func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = fn
}

// Discover scans dir for plugin executables. A plugin binary is anything
// named <prefix><name> with an execute bit; the name is what remains after
// the prefix.
func Discover(dir string) ([]Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}

	var specs []Spec
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, brand.PluginPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
			continue
		}
		specs = append(specs, Spec{
			Name: strings.TrimPrefix(name, brand.PluginPrefix),
			Path: filepath.Join(dir, name),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// Start launches a management goroutine per spec. It returns immediately;
// Wait blocks until every plugin has shut down after ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context, specs []Spec) {
	for _, spec := range specs {
		s.wg.Add(1)
		go s.manage(ctx, spec)
	}
}

// Wait blocks until all management goroutines have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// manage runs one plugin in a restart loop with exponential backoff.
func (s *Supervisor) manage(ctx context.Context, spec Spec) {
	defer s.wg.Done()

	backoff := s.opts.RestartBackoff
	for {
		started := clock.Now()
		err := s.runOnce(ctx, spec)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("Plugin session ended", "plugin", spec.Name, "error", err)
		} else {
			s.logger.Info("Plugin session ended", "plugin", spec.Name)
		}
		metrics.Get().PluginRestarts.WithLabelValues(spec.Name).Inc()

		// A session that lived a while earns a fresh backoff.
		if clock.Since(started) > s.opts.StableAfter {
			backoff = s.opts.RestartBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

// runOnce takes a plugin through one full session: spawn, handshake,
// register, ping until it dies or ctx ends, then tear down.
func (s *Supervisor) runOnce(ctx context.Context, spec Spec) error {
	sock := s.socketPath(spec.Name)

	// A previous run may have left its socket behind.
	_ = os.Remove(sock)

	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	defer ln.Close()
	defer os.Remove(sock)
	_ = os.Chmod(sock, 0600)

	cmd := exec.Command(spec.Path, sock)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Path, err)
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	sess, err := s.handshake(ln, spec)
	if err != nil {
		s.terminate(cmd, exitCh)
		return err
	}

	if err := s.registry.Add(sess); err != nil {
		sess.Close()
		s.terminate(cmd, exitCh)
		return err
	}

	s.recordConnect(sess)
	s.logger.Info("Plugin registered",
		"plugin", sess.Name, "pid", sess.PID, "session", sess.ID,
		"capabilities", strings.Join(sess.Capabilities, ","))
	if s.hub != nil {
		s.hub.EmitPluginRegistered(sess.Name, sess.ID, sess.PID, sess.Capabilities)
	}
	metrics.Get().PluginsConnected.Inc()

	// Steady state: probe liveness until the process exits, a ping fails,
	// or we are shutting down.
	reason := ""
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "shutdown"
			break loop
		case <-exitCh:
			reason = "exit"
			break loop
		case <-ticker.C:
			sent := clock.Now()
			pctx, cancel := context.WithTimeout(ctx, spec.CallTimeout)
			err := sess.Ping(pctx)
			cancel()
			if err != nil {
				// A plugin deep in a long apply serves that call instead
				// of the ping. Real work completing on the session is
				// better liveness evidence than the ping itself.
				if fault.IsKind(err, fault.KindPluginTimeout) && sess.LastSuccess().After(sent) {
					s.logger.Debug("Plugin busy, ping deferred", "plugin", spec.Name)
					continue
				}
				s.logger.Warn("Plugin ping failed", "plugin", spec.Name, "error", err)
				reason = "lost"
				break loop
			}
		}
	}

	s.registry.Remove(spec.Name)
	sess.Close()
	metrics.Get().PluginsConnected.Dec()
	s.recordDisconnect(sess, reason)

	if reason == "shutdown" {
		s.terminate(cmd, exitCh)
		return nil
	}

	if s.hub != nil {
		s.hub.EmitPluginLost(sess.Name, sess.ID, reason)
	}
	s.mu.Lock()
	onLost := s.onLost
	s.mu.Unlock()
	if onLost != nil {
		onLost(spec.Name)
	}

	if reason == "lost" {
		// The process may still be wedged; make sure it is gone before the
		// restart binds the socket again.
		s.terminate(cmd, exitCh)
	}
	return fault.PluginLost(spec.Name, "session ended: %s", reason)
}

// handshake accepts the plugin's connection and validates its hello.
func (s *Supervisor) handshake(ln net.Listener, spec Spec) (*Session, error) {
	deadline := clock.Now().Add(s.opts.HandshakeTimeout)
	if ul, ok := ln.(*net.UnixListener); ok {
		_ = ul.SetDeadline(deadline)
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, fault.PluginTimeout(spec.Name, "no connection within handshake window: %v", err)
	}

	c := ipc.NewConn(conn, 0)
	_ = c.SetDeadline(deadline)

	var hello Hello
	if err := c.ReadMessage(&hello); err != nil {
		c.Close()
		return nil, fault.PluginTimeout(spec.Name, "hello not received: %v", err)
	}

	if hello.Name != spec.Name {
		_ = c.WriteMessage(&HelloAck{Error: fault.New(fault.KindOperationFailed,
			"expected plugin %q, got %q", spec.Name, hello.Name)})
		c.Close()
		return nil, fmt.Errorf("plugin identity mismatch: expected %q, got %q", spec.Name, hello.Name)
	}
	if hello.Protocol != ProtocolVersion {
		_ = c.WriteMessage(&HelloAck{Error: fault.New(fault.KindOperationFailed,
			"protocol %d not supported, daemon speaks %d", hello.Protocol, ProtocolVersion)})
		c.Close()
		return nil, fmt.Errorf("plugin %q speaks protocol %d, want %d", spec.Name, hello.Protocol, ProtocolVersion)
	}
	// A plugin must claim something: whole interface types, or property
	// authority on types the provider owns (the dhcp plugin's shape).
	if len(hello.Capabilities) == 0 && len(hello.Properties) == 0 {
		_ = c.WriteMessage(&HelloAck{Error: fault.New(fault.KindOperationFailed,
			"plugin declared no capabilities")})
		c.Close()
		return nil, fmt.Errorf("plugin %q declared no capabilities", spec.Name)
	}

	sess := NewSession(c, &hello, spec.CallTimeout)
	ack := &HelloAck{
		SessionID:           sess.ID,
		PingIntervalSeconds: int(s.opts.PingInterval / time.Second),
	}
	if err := c.WriteMessage(ack); err != nil {
		c.Close()
		return nil, fmt.Errorf("write hello ack: %w", err)
	}

	// Clear the handshake deadline; calls set their own.
	_ = c.SetDeadline(time.Time{})
	return sess, nil
}

// terminate stops the child: SIGTERM first, SIGKILL if it lingers.
func (s *Supervisor) terminate(cmd *exec.Cmd, exitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-exitCh
	}
}

func (s *Supervisor) socketPath(name string) string {
	return filepath.Join(s.opts.SocketDir, brand.PluginPrefix+name+".sock")
}

func (s *Supervisor) recordConnect(sess *Session) {
	if s.audit == nil {
		return
	}
	rec := &state.PluginAuditRecord{
		SessionID:    sess.ID,
		Plugin:       sess.Name,
		PID:          sess.PID,
		Capabilities: append([]string(nil), sess.Capabilities...),
		ConnectedAt:  sess.ConnectedAt,
	}
	if err := s.audit.Set(rec); err != nil {
		s.logger.Warn("Failed to record plugin session", "plugin", sess.Name, "error", err)
	}
}

func (s *Supervisor) recordDisconnect(sess *Session, reason string) {
	if s.audit == nil {
		return
	}
	rec, err := s.audit.Get(sess.ID)
	if err != nil {
		return
	}
	rec.DisconnectedAt = clock.Now()
	rec.Reason = reason
	if err := s.audit.Set(rec); err != nil {
		s.logger.Warn("Failed to update plugin session", "plugin", sess.Name, "error", err)
	}
}
