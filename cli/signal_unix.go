//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// StopSignals trigger a graceful shutdown of the relay daemon.
var StopSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
}
