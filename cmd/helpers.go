// Package cmd implements the CLI subcommands. Every command that talks to a
// running daemon goes through internal/client; start and daemon are the two
// that work without one.
package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	yaml "gopkg.in/yaml.v2"

	"grimm.is/rime/internal/client"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/schema"
)

// connect dials the daemon, mapping the common failure onto a helpful error.
func connect(socketPath string) (*client.Client, error) {
	return client.Dial(client.Options{SocketPath: socketPath})
}

// loadDesired reads a desired-state document from a YAML file, or stdin
// when path is "-".
func loadDesired(path string) (*schema.DesiredState, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = os.ReadFile("/dev/stdin")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read desired state: %w", err)
	}

	var desired schema.DesiredState
	if err := yaml.Unmarshal(data, &desired); err != nil {
		return nil, fmt.Errorf("parse desired state: %w", err)
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}
	return &desired, nil
}

// printYAML renders v as YAML on stdout.
func printYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// renderSnapshot prints a snapshot as a table, sorted by interface name.
func renderSnapshot(snap *schema.UnifiedSnapshot) {
	names := make([]string, 0, len(snap.Interfaces))
	for name := range snap.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tCONTROLLER\tSOURCES\tADDRESSES")
	for _, name := range names {
		iface := snap.Interfaces[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			iface.Name, iface.Type, iface.State,
			dash(iface.Controller), joinSources(iface.Sources), addressesOf(iface))
	}
	w.Flush()

	if snap.Partial {
		fmt.Fprintf(os.Stderr, "\nwarning: snapshot is partial, missing: %s\n",
			strings.Join(snap.Missing, ", "))
	}
	for _, warn := range snap.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warn.Error())
	}
}

// renderPlan prints the ordered operations of a plan.
func renderPlan(pl *schema.Plan) {
	if len(pl.Ops) == 0 {
		fmt.Println("Nothing to do.")
		return
	}
	fmt.Printf("Plan %s (%d operations):\n", pl.ID, len(pl.Ops))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tOP\tINTERFACE\tTYPE\tBACKEND\tAFTER")
	for _, op := range pl.Ops {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			op.Seq, op.Kind, op.Iface, op.Type, op.Target, depsOf(op))
	}
	w.Flush()
}

// renderResult summarizes an execution outcome. It returns an error when the
// run did not commit cleanly so callers can exit nonzero.
func renderResult(res *schema.RunResult) error {
	switch res.State {
	case schema.RunCommitted:
		fmt.Printf("Applied and committed (%d operations).\n", len(res.Ops))
		return nil
	case schema.RunApplied:
		fmt.Printf("Applied; checkpoint %d held open", res.Checkpoint)
		if !res.ConfirmBy.IsZero() {
			fmt.Printf(", auto-resolves at %s", res.ConfirmBy.Format(time.RFC3339))
		}
		fmt.Println(".")
		fmt.Printf("Confirm with: commit %d\n", res.Checkpoint)
		return nil
	case schema.RunRolledBack:
		fmt.Printf("Apply failed, rolled back %d interface(s).\n", len(res.Reversed))
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("apply rolled back")
	default:
		fmt.Printf("Apply failed.\n")
		if len(res.Indeterminate) > 0 {
			fmt.Fprintf(os.Stderr, "INDETERMINATE interfaces (rollback incomplete): %s\n",
				strings.Join(res.Indeterminate, ", "))
			fmt.Fprintf(os.Stderr, "Retry with: rollback %d\n", res.Checkpoint)
		}
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("apply failed")
	}
}

func renderCheckpoint(info *ipc.CheckpointInfo) {
	fmt.Printf("Checkpoint %d (%s): %s\n", info.ID, info.Tag, info.State)
	if len(info.Interfaces) > 0 {
		fmt.Printf("Interfaces: %s\n", strings.Join(info.Interfaces, ", "))
	}
}

func dash(s string) string {
	if s == "" || s == schema.ControllerNone {
		return "-"
	}
	return s
}

func joinSources(srcs []schema.Source) string {
	if len(srcs) == 0 {
		return "-"
	}
	parts := make([]string, len(srcs))
	for i, s := range srcs {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func addressesOf(iface schema.Interface) string {
	raw, ok := iface.Properties[schema.PropAddresses]
	if !ok {
		return "-"
	}
	switch v := raw.(type) {
	case []string:
		return strings.Join(v, ",")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, a := range v {
			parts = append(parts, fmt.Sprint(a))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(raw)
	}
}

func depsOf(op schema.Operation) string {
	if len(op.DependsOn) == 0 {
		return "-"
	}
	parts := make([]string, len(op.DependsOn))
	for i, d := range op.DependsOn {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, ",")
}
