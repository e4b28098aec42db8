package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/rime/internal/brand"
)

// RunStop signals the daemon with SIGTERM and waits for its PID file to
// disappear, which the daemon removes as its last act.
func RunStop() error {
	pidFile := filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
	pid, running := readPIDFile(pidFile)
	if pid == 0 {
		return fmt.Errorf("no PID file at %s (is the daemon running?)", pidFile)
	}
	if !running {
		os.Remove(pidFile)
		return fmt.Errorf("daemon not running; removed stale PID file")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process %d not found: %w", pid, err)
	}

	fmt.Printf("Stopping %s (PID %d)...\n", brand.Name, pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			fmt.Println("Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within 10s; PID file still present")
}
