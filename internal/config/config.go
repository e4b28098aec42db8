// Package config handles the daemon's own configuration file (HCL with a
// JSON fallback). Desired network state is not configuration; it arrives
// over IPC as YAML and never lives here.
package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/rime/internal/brand"
)

// CurrentSchemaVersion is the latest config schema version.
const CurrentSchemaVersion = "1.0"

// Config is the daemon configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	SocketPath string `hcl:"socket_path,optional" json:"socket_path,omitempty"`
	PluginDir  string `hcl:"plugin_dir,optional" json:"plugin_dir,omitempty"`
	StateDir   string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	PIDFile    string `hcl:"pid_file,optional" json:"pid_file,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"` // debug, info, warn, error
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	Timeouts   *Timeouts         `hcl:"timeouts,block" json:"timeouts,omitempty"`
	Checkpoint *CheckpointConfig `hcl:"checkpoint,block" json:"checkpoint,omitempty"`
	Queue      *QueueConfig      `hcl:"queue,block" json:"queue,omitempty"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics,omitempty"`
	VSock      *VSockConfig      `hcl:"vsock,block" json:"vsock,omitempty"`
	Syslog     *SyslogConfig     `hcl:"syslog,block" json:"syslog,omitempty"`
	NTP        *NTPConfig        `hcl:"ntp,block" json:"ntp,omitempty"`
	Plugins    []PluginConfig    `hcl:"plugin,block" json:"plugins,omitempty"`
}

// Timeouts groups the deadline knobs. All values are seconds.
type Timeouts struct {
	Request  int `hcl:"request,optional" json:"request,omitempty"`   // whole request incl. queue wait
	Query    int `hcl:"query,optional" json:"query,omitempty"`       // snapshot assembly
	Plugin   int `hcl:"plugin,optional" json:"plugin,omitempty"`     // single plugin round trip
	Shutdown int `hcl:"shutdown,optional" json:"shutdown,omitempty"` // graceful stop
}

func (t *Timeouts) RequestDuration() time.Duration  { return time.Duration(t.Request) * time.Second }
func (t *Timeouts) QueryDuration() time.Duration    { return time.Duration(t.Query) * time.Second }
func (t *Timeouts) PluginDuration() time.Duration   { return time.Duration(t.Plugin) * time.Second }
func (t *Timeouts) ShutdownDuration() time.Duration { return time.Duration(t.Shutdown) * time.Second }

// CheckpointConfig controls rollback checkpoints.
type CheckpointConfig struct {
	Retention int `hcl:"retention,optional" json:"retention,omitempty"` // seconds a pending checkpoint stays usable

	// Confirm is the default confirm window in seconds for applies that ask
	// for one without naming a duration. Zero means no window: applies
	// commit as soon as every operation lands.
	Confirm int `hcl:"confirm,optional" json:"confirm,omitempty"`

	// ProbeHost, when set, is pinged before a confirm-window checkpoint
	// auto-commits. An unreachable probe host forces rollback.
	ProbeHost    string `hcl:"probe_host,optional" json:"probe_host,omitempty"`
	ProbeTimeout int    `hcl:"probe_timeout,optional" json:"probe_timeout,omitempty"` // seconds
}

func (c *CheckpointConfig) RetentionDuration() time.Duration {
	return time.Duration(c.Retention) * time.Second
}

func (c *CheckpointConfig) ConfirmDuration() time.Duration {
	return time.Duration(c.Confirm) * time.Second
}

func (c *CheckpointConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(c.ProbeTimeout) * time.Second
}

// QueueConfig bounds the IPC request pipeline.
type QueueConfig struct {
	MaxPending    int `hcl:"max_pending,optional" json:"max_pending,omitempty"`       // queued requests before refusing
	MaxConcurrent int `hcl:"max_concurrent,optional" json:"max_concurrent,omitempty"` // requests processed at once
	MaxFrameBytes int `hcl:"max_frame_bytes,optional" json:"max_frame_bytes,omitempty"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}

// VSockConfig adds an AF_VSOCK IPC listener for VM guests.
type VSockConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Port    uint32 `hcl:"port,optional" json:"port,omitempty"`
}

// SyslogConfig forwards logs to a remote syslog server.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
}

// NTPConfig controls the boot time-sanity probe.
type NTPConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Server  string `hcl:"server,optional" json:"server,omitempty"`
	MaxSkew int    `hcl:"max_skew,optional" json:"max_skew,omitempty"` // seconds
}

func (n *NTPConfig) MaxSkewDuration() time.Duration { return time.Duration(n.MaxSkew) * time.Second }

// PluginConfig overrides discovery for one plugin. Discovery normally finds
// executables by prefix in PluginDir; an explicit block can pin a path,
// adjust the timeout, or disable the plugin entirely.
type PluginConfig struct {
	Name     string `hcl:"name,label" json:"name"`
	Path     string `hcl:"path,optional" json:"path,omitempty"`
	Disabled bool   `hcl:"disabled,optional" json:"disabled,omitempty"`
	Timeout  int    `hcl:"timeout,optional" json:"timeout,omitempty"` // seconds, overrides timeouts.plugin
}

// Default returns a fully-populated default configuration.
func Default() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default. Safe to call on a
// freshly-decoded config; explicit zero values for booleans stay as given.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.SocketPath == "" {
		c.SocketPath = brand.GetSocketPath()
	}
	if c.PluginDir == "" {
		c.PluginDir = brand.GetPluginDir()
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.PIDFile == "" {
		c.PIDFile = brand.GetRunDir() + "/" + brand.LowerName + ".pid"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Timeouts == nil {
		c.Timeouts = &Timeouts{}
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = 60
	}
	if c.Timeouts.Query == 0 {
		c.Timeouts.Query = 10
	}
	if c.Timeouts.Plugin == 0 {
		c.Timeouts.Plugin = 10
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = 15
	}

	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{}
	}
	if c.Checkpoint.Retention == 0 {
		c.Checkpoint.Retention = 600
	}
	if c.Checkpoint.ProbeTimeout == 0 {
		c.Checkpoint.ProbeTimeout = 5
	}

	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.MaxPending == 0 {
		c.Queue.MaxPending = 64
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 8
	}
	if c.Queue.MaxFrameBytes == 0 {
		c.Queue.MaxFrameBytes = 4 << 20
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9456"
	}

	if c.VSock == nil {
		c.VSock = &VSockConfig{}
	}
	if c.VSock.Port == 0 {
		c.VSock.Port = 9457
	}

	if c.Syslog == nil {
		c.Syslog = &SyslogConfig{}
	}
	if c.Syslog.Port == 0 {
		c.Syslog.Port = 514
	}
	if c.Syslog.Protocol == "" {
		c.Syslog.Protocol = "udp"
	}
	if c.Syslog.Tag == "" {
		c.Syslog.Tag = brand.LowerName
	}

	if c.NTP == nil {
		c.NTP = &NTPConfig{}
	}
	if c.NTP.Server == "" {
		c.NTP.Server = "pool.ntp.org"
	}
	if c.NTP.MaxSkew == 0 {
		c.NTP.MaxSkew = 30
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any entry has error severity.
func (e ValidationErrors) HasErrors() bool {
	for _, ve := range e {
		if ve.Severity != "warning" {
			return true
		}
	}
	return false
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for problems. Defaults should be
// applied first; Validate does not fill blanks.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("unknown level %q (want debug, info, warn or error)", c.LogLevel),
		})
	}

	if c.Timeouts != nil {
		if c.Timeouts.Plugin > c.Timeouts.Request {
			errs = append(errs, ValidationError{
				Field:    "timeouts.plugin",
				Message:  "plugin timeout exceeds the whole-request timeout",
				Severity: "warning",
			})
		}
		for field, v := range map[string]int{
			"timeouts.request":  c.Timeouts.Request,
			"timeouts.query":    c.Timeouts.Query,
			"timeouts.plugin":   c.Timeouts.Plugin,
			"timeouts.shutdown": c.Timeouts.Shutdown,
		} {
			if v < 0 {
				errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
			}
		}
	}

	if c.Checkpoint != nil {
		if c.Checkpoint.Retention < 0 {
			errs = append(errs, ValidationError{Field: "checkpoint.retention", Message: "must not be negative"})
		}
		if c.Checkpoint.Confirm < 0 {
			errs = append(errs, ValidationError{Field: "checkpoint.confirm", Message: "must not be negative"})
		}
		if c.Checkpoint.Confirm > 0 && c.Checkpoint.Confirm >= c.Checkpoint.Retention && c.Checkpoint.Retention > 0 {
			errs = append(errs, ValidationError{
				Field:    "checkpoint.confirm",
				Message:  "confirm window should be shorter than the retention window",
				Severity: "warning",
			})
		}
	}

	if c.Queue != nil {
		if c.Queue.MaxPending < 1 {
			errs = append(errs, ValidationError{Field: "queue.max_pending", Message: "must be at least 1"})
		}
		if c.Queue.MaxConcurrent < 1 {
			errs = append(errs, ValidationError{Field: "queue.max_concurrent", Message: "must be at least 1"})
		}
		if c.Queue.MaxFrameBytes < 1024 {
			errs = append(errs, ValidationError{Field: "queue.max_frame_bytes", Message: "below the 1 KiB protocol minimum"})
		}
	}

	if c.Syslog != nil && c.Syslog.Enabled {
		if c.Syslog.Host == "" {
			errs = append(errs, ValidationError{Field: "syslog.host", Message: "required when syslog is enabled"})
		}
		if c.Syslog.Protocol != "udp" && c.Syslog.Protocol != "tcp" {
			errs = append(errs, ValidationError{Field: "syslog.protocol", Message: "must be udp or tcp"})
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.Plugins {
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: "plugin", Message: "plugin block needs a name label"})
			continue
		}
		if seen[p.Name] {
			errs = append(errs, ValidationError{Field: "plugin." + p.Name, Message: "duplicate plugin block"})
		}
		seen[p.Name] = true
		if p.Timeout < 0 {
			errs = append(errs, ValidationError{Field: "plugin." + p.Name + ".timeout", Message: "must not be negative"})
		}
	}

	return errs
}

// PluginOverride returns the explicit block for a plugin name, if any.
func (c *Config) PluginOverride(name string) (PluginConfig, bool) {
	for _, p := range c.Plugins {
		if p.Name == name {
			return p, true
		}
	}
	return PluginConfig{}, false
}
