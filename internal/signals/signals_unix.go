//go:build unix

package signals

import (
	"os"
	"syscall"
)

// SIGTERM comes from service managers and container runtimes, SIGHUP from a
// closed terminal.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
