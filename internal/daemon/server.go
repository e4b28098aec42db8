package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"grimm.is/rime/internal/config"
	"grimm.is/rime/internal/events"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/metrics"
)

// Server accepts control connections and runs the verb dispatch. Requests
// pass a two-stage gate: an admission counter that bounds how many may be
// queued or running at once, and a semaphore that bounds how many execute
// concurrently. A request that cannot even be admitted is refused on the
// spot rather than parked.
type Server struct {
	cfg     *config.Config
	svc     *Service
	hub     *events.Hub
	reg     *metrics.Registry
	sysinfo func() *ipc.SystemInfo
	logger  *logging.Logger

	admission chan struct{}
	slots     *semaphore.Weighted

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool

	wg sync.WaitGroup
}

// NewServer builds the transport layer over svc. sysinfo may be nil.
func NewServer(cfg *config.Config, svc *Service, hub *events.Hub, reg *metrics.Registry, sysinfo func() *ipc.SystemInfo, logger *logging.Logger) *Server {
	return &Server{
		cfg:       cfg,
		svc:       svc,
		hub:       hub,
		reg:       reg,
		sysinfo:   sysinfo,
		logger:    logger.WithComponent("server"),
		admission: make(chan struct{}, cfg.Queue.MaxPending+cfg.Queue.MaxConcurrent),
		slots:     semaphore.NewWeighted(int64(cfg.Queue.MaxConcurrent)),
	}
}

// Start opens the unix socket (and the vsock listener when enabled) and
// begins accepting. It returns once the listeners are live.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// A previous instance that died hard leaves the socket file behind.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ul, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		ul.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.addListener(ctx, ul)
	s.logger.Info("Control socket listening", "path", s.cfg.SocketPath)

	if s.cfg.VSock != nil && s.cfg.VSock.Enabled {
		vl, err := listenVSock(s.cfg.VSock.Port)
		if err != nil {
			s.logger.Warn("VSock listener unavailable", "port", s.cfg.VSock.Port, "error", err)
		} else {
			s.addListener(ctx, vl)
			s.logger.Info("VSock listening", "port", s.cfg.VSock.Port)
		}
	}
	return nil
}

func (s *Server) addListener(ctx context.Context, l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, l)
}

// Stop closes the listeners and waits for in-flight connections to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
}

// QueueDepth reports how many requests are admitted right now, queued or
// executing.
func (s *Server) QueueDepth() int {
	return len(s.admission)
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// serveConn handles one client connection: requests in sequence until EOF.
// A subscribe request flips the connection into streaming mode and it never
// goes back.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	logPeer(s.logger, nc)
	conn := ipc.NewConn(nc, uint32(s.cfg.Queue.MaxFrameBytes))

	for {
		req, err := conn.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, ipc.ErrFrameTooLarge) {
				// The stream is beyond recovery: the oversize payload was
				// never read. Tell the client why and hang up.
				conn.WriteResponse(ipc.Fail("", fault.ConfigurationConflict(
					"request frame exceeds %d bytes", s.cfg.Queue.MaxFrameBytes)))
				return
			}
			s.logger.Debug("Connection read failed", "error", err)
			return
		}

		if !ipc.KnownVerb(req.Verb) {
			conn.WriteResponse(ipc.Fail(req.ID, fault.ConfigurationConflict("unknown verb %q", req.Verb)))
			continue
		}

		if req.Verb == ipc.VerbSubscribe {
			s.streamEvents(ctx, conn, req)
			return
		}

		resp := s.dispatch(ctx, req)
		if err := conn.WriteResponse(resp); err != nil {
			s.logger.Debug("Response write failed", "error", err)
			return
		}
	}
}

// dispatch admits the request, waits for an execution slot, and runs it.
// Admission failure is immediate; a slot wait respects the request deadline.
func (s *Server) dispatch(ctx context.Context, req *ipc.Request) *ipc.Response {
	start := time.Now()

	select {
	case s.admission <- struct{}{}:
	default:
		s.reg.QueueRejected.Inc()
		s.reg.RecordRequest(string(req.Verb), "rejected", time.Since(start))
		return ipc.Fail(req.ID, fault.RequestTimeout(
			"request queue is full (%d pending)", cap(s.admission)))
	}
	defer func() { <-s.admission }()
	s.reg.QueueDepth.Set(float64(len(s.admission)))
	defer func() { s.reg.QueueDepth.Set(float64(len(s.admission))) }()

	rctx, cancel := context.WithTimeout(ctx, s.requestTimeout(req))
	defer cancel()

	if err := s.slots.Acquire(rctx, 1); err != nil {
		s.reg.RecordRequest(string(req.Verb), "timeout", time.Since(start))
		return ipc.Fail(req.ID, fault.RequestTimeout("request waited %s for an execution slot", s.requestTimeout(req)))
	}
	defer s.slots.Release(1)

	resp := s.handle(rctx, req)
	s.reg.RecordRequest(string(req.Verb), resp.Status, time.Since(start))
	return resp
}

func (s *Server) requestTimeout(req *ipc.Request) time.Duration {
	if req.TimeoutSeconds > 0 {
		return time.Duration(req.TimeoutSeconds) * time.Second
	}
	if req.Verb == ipc.VerbQuery {
		return s.cfg.Timeouts.QueryDuration()
	}
	return s.cfg.Timeouts.RequestDuration()
}

func (s *Server) handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	switch req.Verb {
	case ipc.VerbQuery:
		snap, err := s.svc.Query(ctx, req.Scope)
		if err != nil {
			return ipc.Fail(req.ID, err)
		}
		resp := ipc.OK(req.ID)
		resp.Snapshot = snap
		return resp

	case ipc.VerbApply:
		pl, res, err := s.svc.Apply(ctx, req.Desired, req.DryRun, req.ConfirmSeconds)
		if err != nil {
			resp := ipc.Fail(req.ID, err)
			resp.Plan = pl
			return resp
		}
		resp := ipc.OK(req.ID)
		resp.Plan = pl
		resp.Result = res
		return resp

	case ipc.VerbCommit:
		info, err := s.svc.Commit(ctx, checkpointRef(req))
		if err != nil {
			return ipc.Fail(req.ID, err)
		}
		resp := ipc.OK(req.ID)
		resp.Checkpoint = info
		return resp

	case ipc.VerbRollback:
		info, err := s.svc.Rollback(ctx, checkpointRef(req))
		if err != nil {
			return ipc.Fail(req.ID, err)
		}
		resp := ipc.OK(req.ID)
		resp.Checkpoint = info
		return resp

	case ipc.VerbCheckpoints:
		infos, err := s.svc.Checkpoints()
		if err != nil {
			return ipc.Fail(req.ID, err)
		}
		resp := ipc.OK(req.ID)
		resp.Checkpoints = infos
		return resp

	case ipc.VerbPlugins:
		resp := ipc.OK(req.ID)
		resp.Plugins = s.svc.Plugins()
		return resp

	case ipc.VerbStatus:
		var sys *ipc.SystemInfo
		if s.sysinfo != nil {
			sys = s.sysinfo()
		}
		st, err := s.svc.Status(s.QueueDepth(), sys)
		if err != nil {
			return ipc.Fail(req.ID, err)
		}
		resp := ipc.OK(req.ID)
		resp.Daemon = st
		return resp
	}

	return ipc.Fail(req.ID, fault.ConfigurationConflict("unknown verb %q", req.Verb))
}

// streamEvents acknowledges the subscription and then forwards hub events
// until the client disconnects or the daemon shuts down. Subscriptions do
// not consume queue slots; they are passive.
func (s *Server) streamEvents(ctx context.Context, conn *ipc.Conn, req *ipc.Request) {
	types := make([]events.EventType, 0, len(req.EventTypes))
	for _, t := range req.EventTypes {
		types = append(types, events.EventType(t))
	}
	ch := s.hub.Subscribe(256, types...)
	defer s.hub.Unsubscribe(ch)

	if err := conn.WriteResponse(ipc.OK(req.ID)); err != nil {
		return
	}

	// Detect the client hanging up: the only thing it may send after
	// subscribe is EOF.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard ipc.Request
		conn.ReadMessage(&discard)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			we := ipc.FromHubEvent(e)
			if err := conn.WriteEvent(&we); err != nil {
				return
			}
		}
	}
}

func checkpointRef(req *ipc.Request) string {
	if req.Checkpoint != 0 {
		return fmt.Sprintf("%d", req.Checkpoint)
	}
	return req.Tag
}
