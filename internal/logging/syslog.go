package logging

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig describes an optional remote syslog sink.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int    // defaults to 514
	Protocol string // udp or tcp, defaults to udp
	Tag      string // app name in the syslog header, defaults to rime
	Facility int    // defaults to 1 (LOG_USER)
}

// DefaultSyslogConfig returns a disabled sink with standard defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      "rime",
		Facility: 1,
	}
}

// SyslogWriter ships log lines to a remote syslog server in RFC 3164
// framing. It is an io.Writer so it slots into MultiWriter next to stderr.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	facility int
}

func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "rime"
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to syslog server %s: %w", addr, err)
	}

	return &SyslogWriter{
		conn:     conn,
		config:   cfg,
		facility: cfg.Facility,
	}, nil
}

// Write frames p as one RFC 3164 message at INFO severity. On a send
// failure it reconnects for the next write and reports the error; the
// MultiWriter's stderr copy already has the line.
func (w *SyslogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}

	priority := w.facility*8 + 6
	timestamp := time.Now().Format(time.Stamp)
	msg := fmt.Sprintf("<%d>%s %s %s: %s", priority, timestamp, "rime", w.config.Tag, string(p))

	if _, err = w.conn.Write([]byte(msg)); err != nil {
		w.reconnect()
		return 0, err
	}
	return len(p), nil
}

func (w *SyslogWriter) reconnect() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	addr := net.JoinHostPort(w.config.Host, strconv.Itoa(w.config.Port))
	conn, err := net.DialTimeout(w.config.Protocol, addr, 5*time.Second)
	if err != nil {
		return
	}
	w.conn = conn
}

func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// MultiWriter fans a log stream out to several destinations.
func MultiWriter(writers ...io.Writer) io.Writer {
	return io.MultiWriter(writers...)
}
