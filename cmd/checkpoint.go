package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// RunCommit finalizes a pending checkpoint by ID or tag.
func RunCommit(ref, socketPath string) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := c.Commit(ref)
	if err != nil {
		return err
	}
	renderCheckpoint(info)
	return nil
}

// RunRollback replays a pending checkpoint's captured state.
func RunRollback(ref, socketPath string) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := c.Rollback(ref)
	if err != nil {
		return err
	}
	renderCheckpoint(info)
	return nil
}

// RunCheckpoints lists retained checkpoints.
func RunCheckpoints(socketPath string) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	infos, err := c.Checkpoints()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCREATED\tEXPIRES\tINTERFACES\tTAG")
	for _, info := range infos {
		expires := "-"
		if !info.ExpiresAt.IsZero() && info.State == "pending" {
			expires = time.Until(info.ExpiresAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			info.ID, info.State, info.CreatedAt.Format(time.RFC3339),
			expires, len(info.Interfaces), info.Tag)
	}
	return w.Flush()
}
