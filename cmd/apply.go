package cmd

import (
	"fmt"

	"grimm.is/rime/internal/client"
)

// ApplyFlags carries the apply command's knobs.
type ApplyFlags struct {
	SocketPath     string
	DryRun         bool
	ConfirmSeconds int
	NoConfirm      bool
	TimeoutSeconds int
}

// RunApply submits a desired-state file. With --dry-run only the plan is
// printed. With a confirm window the checkpoint is held open and must be
// committed before the window lapses.
func RunApply(path string, flags ApplyFlags) error {
	desired, err := loadDesired(path)
	if err != nil {
		return err
	}

	c, err := connect(flags.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	confirm := flags.ConfirmSeconds
	if flags.NoConfirm {
		confirm = -1
	}
	pl, res, err := c.Apply(desired, client.ApplyOptions{
		DryRun:         flags.DryRun,
		ConfirmSeconds: confirm,
		TimeoutSeconds: flags.TimeoutSeconds,
	})
	if pl != nil {
		renderPlan(pl)
	}
	if err != nil {
		if res != nil {
			renderResult(res)
		}
		return err
	}
	if flags.DryRun {
		fmt.Println("\nDry run; nothing was changed.")
		return nil
	}
	fmt.Println()
	return renderResult(res)
}
