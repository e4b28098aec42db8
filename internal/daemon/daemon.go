package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/rime/internal/brand"
	"grimm.is/rime/internal/checkpoint"
	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/config"
	"grimm.is/rime/internal/engine"
	"grimm.is/rime/internal/events"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/merge"
	"grimm.is/rime/internal/metrics"
	"grimm.is/rime/internal/plan"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/provider"
	"grimm.is/rime/internal/state"
)

// Daemon owns every long-lived component and their start/stop order.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	store      *state.SQLiteStore
	hub        *events.Hub
	registry   *plugin.Registry
	supervisor *plugin.Supervisor
	manager    *checkpoint.Manager
	collector  *metrics.Collector
	server     *Server
	metricsSrv *http.Server
}

// New assembles a daemon from configuration. Nothing starts yet; Run does.
func New(cfg *config.Config) (*Daemon, error) {
	logger := buildLogger(cfg)
	logging.SetDefault(logger)

	return &Daemon{cfg: cfg, logger: logger.WithComponent("daemon")}, nil
}

// Run brings the daemon up and blocks until ctx is cancelled, then shuts
// everything down in reverse order. Pending checkpoints survive in the store
// and are swept or rolled back by the next instance's retention pass.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg
	reg := metrics.Get()

	d.checkClock()

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(filepath.Join(cfg.StateDir, "state.db")))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	d.store = store
	defer store.Close()

	// Keep the boot anchor fresh without writing it on every store
	// commit. One save per minute is plenty for a 1970-clock recovery.
	var lastAnchor time.Time
	store.OnWrite = func() {
		if time.Since(lastAnchor) < time.Minute {
			return
		}
		lastAnchor = time.Now()
		if err := clock.SaveAnchor(); err != nil {
			d.logger.Debug("Clock anchor save failed", "error", err)
		}
	}

	cpBucket, err := state.NewCheckpointBucket(store)
	if err != nil {
		return fmt.Errorf("open checkpoint bucket: %w", err)
	}
	auditBucket, err := state.NewPluginAuditBucket(store, 7*24*time.Hour)
	if err != nil {
		return fmt.Errorf("open plugin audit bucket: %w", err)
	}
	appliedBucket, err := state.NewAppliedBucket(store)
	if err != nil {
		return fmt.Errorf("open applied bucket: %w", err)
	}

	kernel, err := provider.New(d.logger)
	if err != nil {
		return fmt.Errorf("open kernel provider: %w", err)
	}

	d.hub = events.NewHub()
	d.registry = plugin.NewRegistry()

	adapter := events.NewStoreAdapter(d.hub, store)
	go adapter.Run(ctx)

	merger := merge.New(kernel, d.registry, d.logger)
	planner := plan.New(merger, d.registry, d.logger)
	dispatcher := engine.NewDispatcher(kernel, d.registry)
	d.manager = checkpoint.NewManager(cpBucket, dispatcher, d.hub,
		cfg.Checkpoint.RetentionDuration(), d.logger)
	executor := engine.NewExecutor(kernel, d.registry, d.manager, d.hub, d.logger)
	locker := engine.NewLocker()

	go d.manager.RunSweeper(ctx, time.Minute)

	d.startPlugins(ctx, auditBucket)
	d.startMetrics(reg)

	svc := NewService(cfg, locker, merger, planner, executor, d.manager,
		d.registry, appliedBucket, brand.Version, d.logger)
	d.server = NewServer(cfg, svc, d.hub, reg, d.systemInfo, d.logger)
	if err := d.server.Start(ctx); err != nil {
		return err
	}

	if err := d.writePIDFile(); err != nil {
		d.server.Stop()
		return err
	}
	defer os.Remove(cfg.PIDFile)

	d.logger.Info("Daemon ready", "version", brand.Version, "socket", cfg.SocketPath)

	<-ctx.Done()
	d.logger.Info("Shutting down")

	done := make(chan struct{})
	go func() {
		d.server.Stop()
		if d.supervisor != nil {
			d.supervisor.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Timeouts.ShutdownDuration()):
		d.logger.Warn("Shutdown deadline passed, abandoning stragglers")
	}

	if d.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.metricsSrv.Shutdown(sctx)
		cancel()
	}
	if d.collector != nil {
		d.collector.Stop()
	}
	return nil
}

// startPlugins discovers plugin binaries, applies per-plugin config
// overrides, and hands the surviving specs to the supervisor.
func (d *Daemon) startPlugins(ctx context.Context, audit *state.PluginAuditBucket) {
	specs, err := plugin.Discover(d.cfg.PluginDir)
	if err != nil {
		d.logger.Warn("Plugin discovery failed", "dir", d.cfg.PluginDir, "error", err)
	}
	// Config can pin plugins discovery would miss.
	for _, pc := range d.cfg.Plugins {
		if pc.Path == "" {
			continue
		}
		found := false
		for i := range specs {
			if specs[i].Name == pc.Name {
				specs[i].Path = pc.Path
				found = true
			}
		}
		if !found {
			specs = append(specs, plugin.Spec{Name: pc.Name, Path: pc.Path})
		}
	}

	kept := specs[:0]
	for _, spec := range specs {
		if pc, ok := d.cfg.PluginOverride(spec.Name); ok {
			if pc.Disabled {
				d.logger.Info("Plugin disabled by configuration", "plugin", spec.Name)
				continue
			}
			if pc.Timeout > 0 {
				spec.CallTimeout = time.Duration(pc.Timeout) * time.Second
			}
		}
		if spec.CallTimeout == 0 {
			spec.CallTimeout = d.cfg.Timeouts.PluginDuration()
		}
		kept = append(kept, spec)
	}

	if len(kept) == 0 {
		d.logger.Info("No plugins to supervise", "dir", d.cfg.PluginDir)
		return
	}

	opts := plugin.DefaultSupervisorOptions(filepath.Dir(d.cfg.SocketPath))
	d.supervisor = plugin.NewSupervisor(opts, d.registry, d.hub, audit, d.logger)
	d.supervisor.SetOnLost(func(name string) {
		d.logger.Warn("Plugin session lost", "plugin", name)
	})
	d.supervisor.Start(ctx, kept)
}

func (d *Daemon) startMetrics(reg *metrics.Registry) {
	d.collector = metrics.NewCollector(d.logger, 15*time.Second)
	d.collector.Start()

	if d.cfg.Metrics == nil || !d.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	d.metricsSrv = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Warn("Metrics endpoint failed", "listen", d.cfg.Metrics.Listen, "error", err)
		}
	}()
	d.logger.Info("Metrics endpoint listening", "listen", d.cfg.Metrics.Listen)
}

// systemInfo converts the collector's numbers for status responses.
func (d *Daemon) systemInfo() *ipc.SystemInfo {
	if d.collector == nil {
		return nil
	}
	st := d.collector.GetSystemStats()
	if st == nil {
		return nil
	}
	return &ipc.SystemInfo{
		UptimeSeconds: st.Uptime,
		LoadAvg1:      st.LoadAvg1,
		LoadAvg5:      st.LoadAvg5,
		LoadAvg15:     st.LoadAvg15,
		MemTotal:      st.MemTotal,
		MemAvailable:  st.MemAvailable,
	}
}

// checkClock recovers from a cold boot without a battery-backed clock and,
// when NTP is configured, refreshes the boot anchor. Checkpoint expiry
// arithmetic gets silly on a 1970 clock.
func (d *Daemon) checkClock() {
	if err := clock.EnsureSaneTime(); err != nil {
		d.logger.Warn("System time looks wrong, checkpoint retention may misbehave", "error", err)
	}
	ntp := d.cfg.NTP
	if ntp == nil || !ntp.Enabled {
		return
	}
	skew, err := clock.RefreshAnchor(ntp.Server, ntp.MaxSkewDuration())
	if err != nil {
		d.logger.Warn("NTP check failed", "server", ntp.Server, "skew", skew, "error", err)
		return
	}
	d.logger.Debug("Clock anchor refreshed", "server", ntp.Server, "skew", skew)
}

func (d *Daemon) writePIDFile() error {
	if d.cfg.PIDFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	return os.WriteFile(d.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// buildLogger constructs the process logger from config: level, format and
// the optional syslog fan-out.
func buildLogger(cfg *config.Config) *logging.Logger {
	var out io.Writer = os.Stderr
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		sc := logging.SyslogConfig{
			Enabled:  true,
			Host:     cfg.Syslog.Host,
			Port:     cfg.Syslog.Port,
			Protocol: cfg.Syslog.Protocol,
			Tag:      cfg.Syslog.Tag,
		}
		if sw, err := logging.NewSyslogWriter(sc); err == nil {
			out = logging.MultiWriter(os.Stderr, sw)
		}
	}
	return logging.New(logging.Config{
		Level:  parseLevel(cfg.LogLevel),
		Output: out,
		JSON:   cfg.LogJSON,
	})
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
