//go:build !windows

package app

import (
	"os"

	"golang.org/x/sys/unix"
)

var (
	shutdownSignals = []os.Signal{os.Interrupt, unix.SIGTERM}
	reloadSignals   = []os.Signal{unix.SIGHUP}
)
