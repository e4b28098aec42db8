package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// RunPlugins lists connected plugin sessions.
func RunPlugins(socketPath string) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	infos, err := c.Plugins()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No plugins connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tOWNS\tCONNECTED")
	for _, info := range infos {
		owns := "-"
		if len(info.Capabilities) > 0 {
			owns = strings.Join(info.Capabilities, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			info.Name, info.State, info.PID, owns,
			info.ConnectedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
