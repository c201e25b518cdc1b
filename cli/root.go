// Package cli implements the tandem command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/coder/serpent"
)

// RootCmd wires global flags into every subcommand.
type RootCmd struct {
	verbose bool
}

func (r *RootCmd) Command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "tandem",
		Short: "Tandem real-time core: the relay daemon for collaborative editing.",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			r.server(),
			r.version(),
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:          "verbose",
			FlagShorthand: "v",
			Env:           "TANDEM_VERBOSE",
			Description:   "Enable debug logging.",
			Value:         serpent.BoolOf(&r.verbose),
		},
	}
	return cmd
}

// RunMain executes the CLI against os.Args and exits on error.
func (r *RootCmd) RunMain() {
	err := r.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func (*RootCmd) version() *serpent.Command {
	return &serpent.Command{
		Use:   "version",
		Short: "Show the tandem version",
		Handler: func(inv *serpent.Invocation) error {
			_, _ = fmt.Fprintln(inv.Stdout, "tandem "+Version)
			return nil
		},
	}
}

// Version is overridden at link time on release builds.
var Version = "v0.1.0-devel"
