package main

import (
	"github.com/tandemhq/tandem/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.RunMain()
}
