package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// RunMonitor tails the daemon's event stream until interrupted. types
// narrows the stream (e.g. "checkpoint.created"); empty means everything.
func RunMonitor(socketPath string, types []string) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Subscribe(types...); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Watching events (Ctrl-C to stop)...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Close()
	}()

	for {
		e, err := c.Next()
		if err != nil {
			select {
			case <-sigCh:
			default:
			}
			return nil
		}
		ts := e.Timestamp.Format(time.RFC3339)
		if e.Data == nil {
			fmt.Printf("%s  %-24s %s\n", ts, e.Type, e.Source)
			continue
		}
		data, err := yaml.Marshal(e.Data)
		if err != nil {
			fmt.Printf("%s  %-24s %s %v\n", ts, e.Type, e.Source, e.Data)
			continue
		}
		fmt.Printf("%s  %-24s %s\n", ts, e.Type, e.Source)
		for _, line := range splitLines(string(data)) {
			fmt.Printf("    %s\n", line)
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
