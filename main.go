package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/rime/cmd"
	"grimm.is/rime/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	defaultConfig := filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)

	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := fs.String("config", defaultConfig, "Configuration file")
		fs.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
		foreground := fs.Bool("foreground", false, "Run in the foreground instead of daemonizing")
		fs.BoolVar(foreground, "f", false, "Run in the foreground (short)")
		fs.Parse(os.Args[2:])

		if *foreground {
			fail(cmd.RunDaemon(*configFile))
		} else {
			fail(cmd.RunStart(*configFile))
		}

	case "daemon":
		fs := flag.NewFlagSet("daemon", flag.ExitOnError)
		configFile := fs.String("config", defaultConfig, "Configuration file")
		fs.Parse(os.Args[2:])
		fail(cmd.RunDaemon(*configFile))

	case "stop":
		fail(cmd.RunStop())

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		fail(cmd.RunStatus(*socket))

	case "query":
		fs := flag.NewFlagSet("query", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		asYAML := fs.Bool("yaml", false, "Dump the raw snapshot as YAML")
		fs.Parse(os.Args[2:])
		fail(cmd.RunQuery(*socket, fs.Args(), *asYAML))

	case "apply":
		fs := flag.NewFlagSet("apply", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		dryRun := fs.Bool("dry-run", false, "Plan only; change nothing")
		fs.BoolVar(dryRun, "n", false, "Plan only (short)")
		confirm := fs.Int("confirm", 0, "Hold a confirm window of this many seconds (0 = daemon default)")
		noConfirm := fs.Bool("no-confirm", false, "Commit immediately without a confirm window")
		timeout := fs.Int("timeout", 0, "Request timeout in seconds (0 = daemon default)")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s apply [flags] <state.yaml>\n", brand.BinaryName)
			os.Exit(2)
		}
		fail(cmd.RunApply(fs.Arg(0), cmd.ApplyFlags{
			SocketPath:     *socket,
			DryRun:         *dryRun,
			ConfirmSeconds: *confirm,
			NoConfirm:      *noConfirm,
			TimeoutSeconds: *timeout,
		}))

	case "diff":
		fs := flag.NewFlagSet("diff", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s diff [flags] <state.yaml>\n", brand.BinaryName)
			os.Exit(2)
		}
		fail(cmd.RunDiff(fs.Arg(0), *socket))

	case "commit":
		fs := flag.NewFlagSet("commit", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s commit [flags] <checkpoint-id|tag>\n", brand.BinaryName)
			os.Exit(2)
		}
		fail(cmd.RunCommit(fs.Arg(0), *socket))

	case "rollback":
		fs := flag.NewFlagSet("rollback", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s rollback [flags] <checkpoint-id|tag>\n", brand.BinaryName)
			os.Exit(2)
		}
		fail(cmd.RunRollback(fs.Arg(0), *socket))

	case "checkpoints":
		fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		fail(cmd.RunCheckpoints(*socket))

	case "plugins":
		fs := flag.NewFlagSet("plugins", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		fail(cmd.RunPlugins(*socket))

	case "config":
		fs := flag.NewFlagSet("config", flag.ExitOnError)
		configFile := fs.String("config", defaultConfig, "Configuration file")
		fs.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
		fs.Parse(os.Args[2:])
		switch fs.Arg(0) {
		case "show", "":
			fail(cmd.RunConfigShow(*configFile))
		case "set":
			if fs.NArg() != 3 {
				fmt.Fprintf(os.Stderr, "usage: %s config set <key> <value>\n", brand.BinaryName)
				os.Exit(2)
			}
			fail(cmd.RunConfigSet(*configFile, fs.Arg(1), fs.Arg(2)))
		case "validate":
			fail(cmd.RunConfigValidate(*configFile))
		default:
			fmt.Fprintf(os.Stderr, "usage: %s config [show|set|validate]\n", brand.BinaryName)
			os.Exit(2)
		}

	case "monitor":
		fs := flag.NewFlagSet("monitor", flag.ExitOnError)
		socket := fs.String("socket", "", "Control socket path")
		fs.Parse(os.Args[2:])
		fail(cmd.RunMonitor(*socket, fs.Args()))

	case "version", "--version", "-v":
		cmd.RunVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage: %s <command> [flags]

Daemon:
  start         Start the daemon (use -f for foreground)
  daemon        Run the daemon in the foreground
  stop          Stop the daemon
  status        Show daemon status

State:
  query         Show the unified interface state
  apply         Apply a desired-state file
  diff          Compare a desired-state file against running state

Checkpoints:
  commit        Finalize a pending checkpoint
  rollback      Revert to a checkpoint's captured state
  checkpoints   List retained checkpoints

Other:
  config        Show, edit, or validate the daemon configuration
  plugins       List connected plugins
  monitor       Tail the daemon's event stream
  version       Show build information

Run '%s <command> -h' for command flags.
`, brand.Name, brand.Description, brand.BinaryName, brand.BinaryName)
}
