//go:build windows

package app

import "os"

var (
	shutdownSignals = []os.Signal{os.Interrupt}
	reloadSignals   []os.Signal
)
