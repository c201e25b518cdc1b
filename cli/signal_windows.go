//go:build windows

package cli

import (
	"os"
)

// See the UNIX file for commentary; SIGTERM does not exist on Windows.
var StopSignals = []os.Signal{
	os.Interrupt,
}
