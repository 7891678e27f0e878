package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "config":
		return configCmd(args[2:])
	case "queue":
		return queueCmd(args[2:], os.Stdout, os.Stderr)
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "eventpipe")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  eventpipe run --config ./eventpipe.yaml [--db ./.data/eventpipe.db] [--log-level info] [--dotenv ./.env] [--watch] [--pid-file ./eventpipe.pid] [--offline]")
	fmt.Fprintln(w, "  eventpipe config validate --config ./eventpipe.yaml [--format json|text] [--strict-secrets]")
	fmt.Fprintln(w, "  eventpipe config diff <old> <new>")
	fmt.Fprintln(w, "  eventpipe queue stats|clear --config ./eventpipe.yaml [--db ./.data/eventpipe.db]")
	fmt.Fprintln(w, "  eventpipe version [--long] [--json]")
}
