package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Request metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	QueueRejected   prometheus.Counter

	// Plan and operation metrics
	Plans          *prometheus.CounterVec
	Operations     *prometheus.CounterVec
	PlanDuration   prometheus.Histogram
	RollbacksTotal *prometheus.CounterVec

	// Snapshot metrics
	Snapshots        *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram

	// Lock metrics
	LockWait *prometheus.HistogramVec

	// Checkpoint metrics
	CheckpointsActive prometheus.Gauge
	Checkpoints       *prometheus.CounterVec

	// Plugin metrics
	PluginsConnected   prometheus.Gauge
	PluginCalls        *prometheus.CounterVec
	PluginCallDuration *prometheus.HistogramVec
	PluginRestarts     *prometheus.CounterVec

	// Interface metrics
	InterfaceRxBytes   *prometheus.GaugeVec
	InterfaceTxBytes   *prometheus.GaugeVec
	InterfaceRxPackets *prometheus.GaugeVec
	InterfaceTxPackets *prometheus.GaugeVec
	InterfaceErrors    *prometheus.GaugeVec
	InterfaceLinkUp    *prometheus.GaugeVec

	// System metrics
	Uptime prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	// Request metrics
	r.Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_requests_total",
		Help: "Total IPC requests by verb and outcome",
	}, []string{"verb", "status"})

	r.RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rime_request_duration_seconds",
		Help:    "IPC request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"verb"})

	r.QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rime_queue_depth",
		Help: "Requests currently queued or executing",
	})

	r.QueueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rime_queue_rejected_total",
		Help: "Requests rejected because the queue was full",
	})

	// Plan and operation metrics
	r.Plans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_plans_total",
		Help: "Executed plans by terminal state",
	}, []string{"result"})

	r.Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_operations_total",
		Help: "Executed plan operations",
	}, []string{"kind", "target", "result"})

	r.PlanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rime_plan_duration_seconds",
		Help:    "Wall time from plan start to terminal state",
		Buckets: prometheus.DefBuckets,
	})

	r.RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_rollbacks_total",
		Help: "Rollbacks by trigger",
	}, []string{"trigger"})

	// Snapshot metrics
	r.Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_snapshots_total",
		Help: "Unified snapshots assembled",
	}, []string{"result"})

	r.SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rime_snapshot_duration_seconds",
		Help:    "Time to assemble a unified snapshot",
		Buckets: prometheus.DefBuckets,
	})

	// Lock metrics
	r.LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rime_lock_wait_seconds",
		Help:    "Time spent waiting for interface locks",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// Checkpoint metrics
	r.CheckpointsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rime_checkpoints_active",
		Help: "Checkpoints currently pending",
	})

	r.Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_checkpoints_total",
		Help: "Checkpoint resolutions by final state",
	}, []string{"state"})

	// Plugin metrics
	r.PluginsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rime_plugins_connected",
		Help: "Plugins with a live session",
	})

	r.PluginCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_plugin_calls_total",
		Help: "Plugin protocol calls",
	}, []string{"plugin", "verb", "status"})

	r.PluginCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rime_plugin_call_duration_seconds",
		Help:    "Plugin call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"plugin", "verb"})

	r.PluginRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rime_plugin_restarts_total",
		Help: "Plugin child process restarts",
	}, []string{"plugin"})

	// Interface metrics
	r.InterfaceRxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rime_interface_rx_bytes",
		Help: "Received bytes per interface",
	}, []string{"interface"})

	r.InterfaceTxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rime_interface_tx_bytes",
		Help: "Transmitted bytes per interface",
	}, []string{"interface"})

	r.InterfaceRxPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rime_interface_rx_packets",
		Help: "Received packets per interface",
	}, []string{"interface"})

	r.InterfaceTxPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rime_interface_tx_packets",
		Help: "Transmitted packets per interface",
	}, []string{"interface"})

	r.InterfaceErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rime_interface_errors",
		Help: "Interface errors",
	}, []string{"interface", "type"})

	r.InterfaceLinkUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rime_interface_link_up",
		Help: "Link state per interface (1 = up)",
	}, []string{"interface"})

	// System metrics
	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rime_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	return r
}

// RecordRequest records one IPC request.
func (r *Registry) RecordRequest(verb, status string, duration time.Duration) {
	r.Requests.WithLabelValues(verb, status).Inc()
	r.RequestDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// RecordPlan records a plan reaching a terminal state.
func (r *Registry) RecordPlan(result string, duration time.Duration) {
	r.Plans.WithLabelValues(result).Inc()
	r.PlanDuration.Observe(duration.Seconds())
}

// RecordOperation records one executed operation.
func (r *Registry) RecordOperation(kind, target, result string) {
	r.Operations.WithLabelValues(kind, target, result).Inc()
}

// RecordPluginCall records a plugin protocol call.
func (r *Registry) RecordPluginCall(plugin, verb string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.PluginCalls.WithLabelValues(plugin, verb, status).Inc()
	r.PluginCallDuration.WithLabelValues(plugin, verb).Observe(duration.Seconds())
}

// RecordCheckpoint records a checkpoint leaving the pending state.
func (r *Registry) RecordCheckpoint(state string) {
	r.Checkpoints.WithLabelValues(state).Inc()
	r.CheckpointsActive.Dec()
}

// RecordSnapshot records a unified snapshot assembly.
func (r *Registry) RecordSnapshot(partial bool, duration time.Duration) {
	result := "full"
	if partial {
		result = "partial"
	}
	r.Snapshots.WithLabelValues(result).Inc()
	r.SnapshotDuration.Observe(duration.Seconds())
}

// ObserveLockWait records time spent acquiring interface locks.
func (r *Registry) ObserveLockWait(mode string, duration time.Duration) {
	r.LockWait.WithLabelValues(mode).Observe(duration.Seconds())
}
