package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"grimm.is/rime/internal/brand"
	"grimm.is/rime/internal/config"
)

// RunStart launches the daemon in the background: validate the config up
// front so the operator sees errors immediately, re-exec ourselves as
// `daemon` detached in its own session, and watch briefly for an instant
// exit so startup failures are not silent.
func RunStart(configFile string) error {
	if configFile == "" {
		configFile = filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)
	}
	if _, err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	pidFile := filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
	if pid, running := readPIDFile(pidFile); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	} else if pid != 0 {
		fmt.Printf("Removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile := filepath.Join(logDir, brand.LowerName+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logF.Close()

	child := exec.Command(exe, "daemon", "--config", configFile)
	child.Stdout = logF
	child.Stderr = logF
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("Started %s (PID %d)\n", brand.Name, child.Process.Pid)
	fmt.Printf("Logs: %s\n", logFile)

	// A daemon that dies inside the first half second almost always hit a
	// startup error worth showing now.
	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	select {
	case err := <-done:
		fmt.Fprintln(os.Stderr, "\nError: daemon exited immediately.")
		for _, line := range tailLog(logFile, 10) {
			fmt.Fprintf(os.Stderr, "  %s\n", line)
		}
		if err != nil {
			return fmt.Errorf("daemon failed to start: %w", err)
		}
		return fmt.Errorf("daemon exited unexpectedly")
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

// readPIDFile parses a PID file and probes the process. The bool reports
// whether the process is alive; a nonzero pid with false means the file is
// stale.
func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

func tailLog(path string, n int) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
