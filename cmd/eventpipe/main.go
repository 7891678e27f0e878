// Command eventpipe runs the eventpipe agent.
//
// The agent accepts analytics events from local producers, keeps them in a
// durable queue, and delivers them in batches to a collector once it is
// reachable.
//
// Install:
//
//	go install github.com/nuetzliches/eventpipe/cmd/eventpipe@latest
//
// Usage:
//
//	eventpipe run --config ./eventpipe.yaml --db ./.data/eventpipe.db
package main

import (
	"os"

	"github.com/nuetzliches/eventpipe/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
