package cmd

import (
	"fmt"
	"time"
)

// RunStatus prints the daemon's own state.
func RunStatus(socketPath string) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Version:              %s\n", st.Version)
	fmt.Printf("PID:                  %d\n", st.PID)
	fmt.Printf("Started:              %s\n", st.StartedAt.Format(time.RFC3339))
	fmt.Printf("Uptime:               %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("Plugins connected:    %d\n", st.PluginsConnected)
	fmt.Printf("Checkpoints pending:  %d\n", st.CheckpointsPending)
	fmt.Printf("Queue depth:          %d\n", st.QueueDepth)
	if st.System != nil {
		fmt.Printf("Load average:         %.2f %.2f %.2f\n",
			st.System.LoadAvg1, st.System.LoadAvg5, st.System.LoadAvg15)
		if st.System.MemTotal > 0 {
			fmt.Printf("Memory:               %d MiB available of %d MiB\n",
				st.System.MemAvailable>>20, st.System.MemTotal>>20)
		}
	}
	return nil
}
