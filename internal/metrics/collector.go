package metrics

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/logging"
)

// Collector periodically samples kernel interface counters and system
// load from sysfs and procfs, feeding both the Prometheus registry and
// a cached copy that the status IPC verb reads.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	interval time.Duration
	started  time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.RWMutex
	swept  time.Time
	ifaces map[string]*InterfaceStats
	system SystemStats
}

// InterfaceStats is one interface's counters as of the last sweep.
type InterfaceStats struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
	LinkUp    bool   `json:"link_up"`
	Speed     uint64 `json:"speed_mbps,omitempty"`
}

// SystemStats mirrors what /proc reports about the host.
type SystemStats struct {
	Uptime       int64   `json:"uptime_seconds"`
	LoadAvg1     float64 `json:"load_avg_1"`
	LoadAvg5     float64 `json:"load_avg_5"`
	LoadAvg15    float64 `json:"load_avg_15"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	MemFree      uint64  `json:"mem_free_bytes"`
	MemAvailable uint64  `json:"mem_available_bytes"`
}

// NewCollector builds a collector that sweeps at the given interval.
func NewCollector(logger *logging.Logger, interval time.Duration) *Collector {
	return &Collector{
		registry: Get(),
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		ifaces:   make(map[string]*InterfaceStats),
	}
}

// Start launches the sweep loop in its own goroutine. The first sweep
// runs immediately so early status queries see real numbers.
func (c *Collector) Start() {
	c.started = clock.Now()
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())
	go c.loop()
}

func (c *Collector) loop() {
	defer close(c.doneCh)

	c.sweep()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info("Metrics collector stopped")
}

func (c *Collector) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sweepInterfaces(); err != nil {
		c.logger.Warn("Interface counter sweep failed", "error", err)
	}
	c.sweepSystem()
	c.registry.Uptime.Set(clock.Since(c.started).Seconds())
	c.swept = clock.Now()
}

// sweepInterfaces walks /sys/class/net and publishes per-interface
// counters. The loopback device is skipped; its traffic is noise here.
func (c *Collector) sweepInterfaces() error {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}

		st, ok := c.ifaces[name]
		if !ok {
			st = &InterfaceStats{Name: name}
			c.ifaces[name] = st
		}

		stats := filepath.Join("/sys/class/net", name, "statistics")
		st.RxBytes = sysCounter(stats, "rx_bytes")
		st.TxBytes = sysCounter(stats, "tx_bytes")
		st.RxPackets = sysCounter(stats, "rx_packets")
		st.TxPackets = sysCounter(stats, "tx_packets")
		st.RxErrors = sysCounter(stats, "rx_errors")
		st.TxErrors = sysCounter(stats, "tx_errors")
		st.RxDropped = sysCounter(stats, "rx_dropped")
		st.TxDropped = sysCounter(stats, "tx_dropped")

		oper, _ := os.ReadFile(filepath.Join("/sys/class/net", name, "operstate"))
		st.LinkUp = strings.TrimSpace(string(oper)) == "up"

		// Virtual devices report -1 or absurd speeds.
		if speed := sysCounter(filepath.Join("/sys/class/net", name), "speed"); speed > 0 && speed < 100000 {
			st.Speed = speed
		}

		c.publish(st)
	}
	return nil
}

func (c *Collector) publish(st *InterfaceStats) {
	c.registry.InterfaceRxBytes.WithLabelValues(st.Name).Set(float64(st.RxBytes))
	c.registry.InterfaceTxBytes.WithLabelValues(st.Name).Set(float64(st.TxBytes))
	c.registry.InterfaceRxPackets.WithLabelValues(st.Name).Set(float64(st.RxPackets))
	c.registry.InterfaceTxPackets.WithLabelValues(st.Name).Set(float64(st.TxPackets))
	c.registry.InterfaceErrors.WithLabelValues(st.Name, "rx").Set(float64(st.RxErrors))
	c.registry.InterfaceErrors.WithLabelValues(st.Name, "tx").Set(float64(st.TxErrors))
	up := 0.0
	if st.LinkUp {
		up = 1.0
	}
	c.registry.InterfaceLinkUp.WithLabelValues(st.Name).Set(up)
}

// sweepSystem samples uptime, load average, and memory. Missing proc
// files (non-Linux hosts, mostly in tests) leave the previous values.
func (c *Collector) sweepSystem() {
	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		if fields := strings.Fields(string(data)); len(fields) > 0 {
			up, _ := strconv.ParseFloat(fields[0], 64)
			c.system.Uptime = int64(up)
		}
	}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		if fields := strings.Fields(string(data)); len(fields) >= 3 {
			c.system.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
			c.system.LoadAvg5, _ = strconv.ParseFloat(fields[1], 64)
			c.system.LoadAvg15, _ = strconv.ParseFloat(fields[2], 64)
		}
	}

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, _ := strconv.ParseUint(fields[1], 10, 64)
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			c.system.MemTotal = kb * 1024
		case strings.HasPrefix(line, "MemFree:"):
			c.system.MemFree = kb * 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			c.system.MemAvailable = kb * 1024
		}
	}
}

// sysCounter reads a single numeric sysfs attribute, zero on any failure.
func sysCounter(dir, attr string) uint64 {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return v
}

// GetInterfaceStats returns a copy of the last sweep's interface counters.
func (c *Collector) GetInterfaceStats() map[string]*InterfaceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*InterfaceStats, len(c.ifaces))
	for name, st := range c.ifaces {
		dup := *st
		out[name] = &dup
	}
	return out
}

// GetSystemStats returns a copy of the last sweep's system numbers.
func (c *Collector) GetSystemStats() *SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dup := c.system
	return &dup
}

// GetLastUpdate reports when the collector last completed a sweep.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.swept
}
