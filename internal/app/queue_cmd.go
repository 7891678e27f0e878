package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nuetzliches/eventpipe/internal/config"
)

func queueCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: stats | clear")
		return 2
	}
	sub := args[0]
	if sub != "stats" && sub != "clear" {
		fmt.Fprintf(stderr, "unknown queue subcommand: %s\n", sub)
		return 2
	}

	fs := flag.NewFlagSet("queue "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	dbPath := fs.String("db", "", "override queue.path for the sqlite backend")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if p := strings.TrimSpace(*dbPath); p != "" {
		cfg.Queue.Path = p
	}
	if cfg.Queue.Backend == config.BackendMemory {
		fmt.Fprintln(stderr, "queue commands need a persistent backend (sqlite|postgres)")
		return 2
	}

	store, err := newQueueStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer func() { _ = store.Close() }()

	switch sub {
	case "stats":
		st, err := store.Stats()
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	case "clear":
		n, err := store.Clear()
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "cleared %d records\n", n)
	}
	return 0
}
