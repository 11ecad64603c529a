// wtool talks to a running fleet from the host side: an interactive
// console, the in-system programmer dialogue, and the boot loader.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "wtool",
	Short:         "Host-side tools for a willow fleet",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
