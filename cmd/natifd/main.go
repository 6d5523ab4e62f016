// Command natifd runs an IPv4 NAT/router instance from a TOML
// configuration file, exposing Prometheus metrics and a lease database for
// operational inspection between restarts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "natifd",
		Short: "IPv4 NAT/router daemon",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newShowLeasesCmd())
	root.AddCommand(newShowLinksCmd())
	return root
}
